package crdt

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

// Fields maps column names to new values.
type Fields map[string]message.Value

func (f Fields) columns() []string {
	cols := make([]string, 0, len(f))
	for c := range f {
		cols = append(cols, c)
	}
	slices.Sort(cols)
	return cols
}

// InsertRow creates a row with a fresh UUID and one message per field, in
// column order, each stamped by the clock. Returns the row id and the
// messages, which the caller queues for sync.
func (s *Store) InsertRow(ctx context.Context, dataset string, fields Fields) (string, []message.Message, error) {
	id := uuid.NewString()
	msgs, err := s.InsertRowWithID(ctx, dataset, id, fields)
	if err != nil {
		return "", nil, err
	}
	return id, msgs, nil
}

// InsertRowWithID is InsertRow with a caller-chosen row id.
func (s *Store) InsertRowWithID(ctx context.Context, dataset, id string, fields Fields) ([]message.Message, error) {
	if !s.KnowsDataset(dataset) {
		return nil, unknownDataset(dataset)
	}
	if id == "" {
		return nil, invalidMessage(dataset, fmt.Errorf("%w: empty row id", message.ErrInvalid))
	}
	return s.write(ctx, dataset, id, fields.columns(), fields)
}

// UpdateRow writes one message per field whose value differs from the
// current projection. Fields that already hold the value produce nothing.
func (s *Store) UpdateRow(ctx context.Context, dataset, id string, fields Fields) ([]message.Message, error) {
	row, err := s.Row(ctx, dataset, id)
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, col := range fields.columns() {
		if cur, ok := row.Value(col); ok && cur.Equal(fields[col]) {
			continue
		}
		changed = append(changed, col)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	return s.write(ctx, dataset, id, changed, fields)
}

// DeleteRow tombstones a row with a single tombstone=1 message.
func (s *Store) DeleteRow(ctx context.Context, dataset, id string) ([]message.Message, error) {
	if _, err := s.Row(ctx, dataset, id); err != nil {
		return nil, err
	}
	fields := Fields{message.TombstoneColumn: message.Flag(true)}
	return s.write(ctx, dataset, id, fields.columns(), fields)
}

// Undelete clears the tombstone of a row.
func (s *Store) Undelete(ctx context.Context, dataset, id string) ([]message.Message, error) {
	return s.UpdateRow(ctx, dataset, id, Fields{message.TombstoneColumn: message.Flag(false)})
}

// write stamps one message per column and applies them as one batch.
func (s *Store) write(ctx context.Context, dataset, id string, cols []string, fields Fields) ([]message.Message, error) {
	msgs := make([]message.Message, 0, len(cols))
	for _, col := range cols {
		m := message.Message{Dataset: dataset, Row: id, Column: col, Value: fields[col]}
		// Validate before stamping so a bad field does not burn clock ticks.
		m.Timestamp.Node = s.Node()
		if err := m.Validate(); err != nil {
			return nil, invalidMessage(dataset, err)
		}
		msgs = append(msgs, m)
	}

	for i := range msgs {
		ts, err := s.state.Clock.Send()
		if err != nil {
			return nil, fmt.Errorf("stamp %s.%s: %w", dataset, msgs[i].Column, err)
		}
		msgs[i].Timestamp = ts
	}

	report, err := s.Apply(ctx, msgs)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	return msgs, nil
}
