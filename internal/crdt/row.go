package crdt

import (
	"math"
	"sort"

	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

// Cell is one projected field.
type Cell = store.Cell

// Row is the projected state of a row: for every column, the value of the
// message with the greatest timestamp.
type Row struct {
	Dataset string
	ID      string
	Cells   map[string]Cell
}

func rowFromRecord(rec store.Record) Row {
	return Row{Dataset: rec.Dataset, ID: rec.ID, Cells: rec.Cells}
}

// Value returns the value of column.
func (r Row) Value(column string) (message.Value, bool) {
	c, ok := r.Cells[column]
	return c.Value, ok
}

// Text returns the text value of column, or "" if absent or not text.
func (r Row) Text(column string) string {
	c, ok := r.Cells[column]
	if !ok {
		return ""
	}
	s, _ := c.Value.AsText()
	return s
}

// Number returns the numeric value of column.
func (r Row) Number(column string) (float64, bool) {
	c, ok := r.Cells[column]
	if !ok {
		return 0, false
	}
	return c.Value.AsNumber()
}

// Tombstoned reports whether the row is deleted.
func (r Row) Tombstoned() bool {
	c, ok := r.Cells[message.TombstoneColumn]
	if !ok {
		return false
	}
	set, _ := c.Value.AsFlag()
	return set
}

// Fields returns the row as a plain map including "id".
func (r Row) Fields() map[string]any {
	out := make(map[string]any, len(r.Cells)+1)
	for col, c := range r.Cells {
		out[col] = c.Value.Any()
	}
	out["id"] = r.ID
	return out
}

// ReadFilter selects rows by tombstone state.
type ReadFilter int

const (
	// ReadActive returns rows that are not tombstoned.
	ReadActive ReadFilter = iota
	// ReadTombstoned returns only deleted rows.
	ReadTombstoned
	// ReadAll returns every row.
	ReadAll
)

func (f ReadFilter) keep(r Row) bool {
	switch f {
	case ReadActive:
		return !r.Tombstoned()
	case ReadTombstoned:
		return r.Tombstoned()
	}
	return true
}

// sortRows orders rows by the numeric order column ascending, then by id.
// Rows without a numeric order sort last.
func sortRows(rows []Row) {
	orderOf := func(r Row) float64 {
		if n, ok := r.Number(message.OrderColumn); ok {
			return n
		}
		return math.Inf(1)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		oi, oj := orderOf(rows[i]), orderOf(rows[j])
		if oi != oj {
			return oi < oj
		}
		return rows[i].ID < rows[j].ID
	})
}
