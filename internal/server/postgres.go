package server

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS group_messages (
    group_id  TEXT NOT NULL,
    timestamp TEXT COLLATE "C" NOT NULL,
    dataset   TEXT NOT NULL,
    row_id    TEXT NOT NULL,
    col       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (group_id, timestamp)
)`

// PostgresStore keeps all groups in PostgreSQL, for servers shared by
// several relay instances. Timestamps use the "C" collation so that text
// order is the canonical timestamp order.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ GroupStore = (*PostgresStore)(nil)

// OpenPostgres connects to url and creates the schema if needed.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) AddMessages(ctx context.Context, group string, msgs []message.Message) ([]message.Message, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		value, err := m.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("add message %s: %w", m.Timestamp, err)
		}
		batch.Queue(`
			INSERT INTO group_messages (group_id, timestamp, dataset, row_id, col, value)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (group_id, timestamp) DO NOTHING`,
			group, m.Timestamp.String(), m.Dataset, m.Row, m.Column, string(value))
	}

	var added []message.Message
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		added = added[:0]
		results := tx.SendBatch(ctx, batch)
		for _, m := range msgs {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return fmt.Errorf("add message %s: %w", m.Timestamp, err)
			}
			if tag.RowsAffected() == 1 {
				added = append(added, m)
			}
		}
		return results.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("add messages to %s: %w", group, err)
	}
	return added, nil
}

func (s *PostgresStore) MessagesSince(ctx context.Context, group string, since hlc.Timestamp) ([]message.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT timestamp, dataset, row_id, col, value
		FROM group_messages
		WHERE group_id = $1 AND timestamp >= $2
		ORDER BY timestamp`, group, since.String())
	if err != nil {
		return nil, fmt.Errorf("messages of %s: %w", group, err)
	}
	defer rows.Close()

	var out []message.Message
	for rows.Next() {
		var ts, dataset, row, col, value string
		if err := rows.Scan(&ts, &dataset, &row, &col, &value); err != nil {
			return nil, fmt.Errorf("messages of %s: %w", group, err)
		}
		m, err := decodeRow(ts, dataset, row, col, []byte(value))
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Timestamps(ctx context.Context, group string) ([]hlc.Timestamp, error) {
	rows, err := s.pool.Query(ctx, `SELECT timestamp FROM group_messages WHERE group_id = $1`, group)
	if err != nil {
		return nil, fmt.Errorf("timestamps of %s: %w", group, err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("timestamps of %s: %w", group, err)
	}

	out := make([]hlc.Timestamp, 0, len(raw))
	for _, r := range raw {
		ts, err := hlc.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("timestamps of %s: %w", group, err)
		}
		out = append(out, ts)
	}
	return out, nil
}

func (s *PostgresStore) Count(ctx context.Context, group string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM group_messages WHERE group_id = $1`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", group, err)
	}
	return n, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
