package server

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS group_messages (
    group_id  TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    dataset   TEXT NOT NULL,
    row_id    TEXT NOT NULL,
    col       TEXT NOT NULL,
    value     TEXT NOT NULL,
    PRIMARY KEY (group_id, timestamp)
) WITHOUT ROWID;
`

// SQLiteStore keeps all groups in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ GroupStore = (*SQLiteStore)(nil)

// OpenSQLite creates or opens the server database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open server db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("open server db %s: %w", path, err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) AddMessages(ctx context.Context, group string, msgs []message.Message) ([]message.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("add messages to %s: %w", group, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO group_messages (group_id, timestamp, dataset, row_id, col, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_id, timestamp) DO NOTHING
	`)
	if err != nil {
		return nil, fmt.Errorf("add messages to %s: %w", group, err)
	}
	defer stmt.Close()

	var added []message.Message
	for _, m := range msgs {
		value, err := m.Value.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("add message %s: %w", m.Timestamp, err)
		}
		res, err := stmt.ExecContext(ctx, group, m.Timestamp.String(), m.Dataset, m.Row, m.Column, string(value))
		if err != nil {
			return nil, fmt.Errorf("add message %s: %w", m.Timestamp, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			added = append(added, m)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("add messages to %s: %w", group, err)
	}
	return added, nil
}

func (s *SQLiteStore) MessagesSince(ctx context.Context, group string, since hlc.Timestamp) ([]message.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, dataset, row_id, col, value
		FROM group_messages
		WHERE group_id = ? AND timestamp >= ?
		ORDER BY timestamp
	`, group, since.String())
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("messages of %s: %w", group, err)
	}
	return out, nil
}

func (s *SQLiteStore) Timestamps(ctx context.Context, group string) ([]hlc.Timestamp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp FROM group_messages WHERE group_id = ?`, group)
	if err != nil {
		return nil, fmt.Errorf("timestamps of %s: %w", group, err)
	}
	defer rows.Close()

	var out []hlc.Timestamp
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("timestamps of %s: %w", group, err)
		}
		ts, err := hlc.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("timestamps of %s: %w", group, err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Count(ctx context.Context, group string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM group_messages WHERE group_id = ?`, group).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", group, err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// decodeRow rebuilds a logged message from its stored columns.
func decodeRow(ts, dataset, row, col string, value []byte) (message.Message, error) {
	t, err := hlc.Parse(ts)
	if err != nil {
		return message.Message{}, fmt.Errorf("stored message: %w", err)
	}
	v, err := message.DecodeValue(col, value)
	if err != nil {
		return message.Message{}, fmt.Errorf("stored message %s: %w", ts, err)
	}
	return message.Message{Dataset: dataset, Row: row, Column: col, Value: v, Timestamp: t}, nil
}
