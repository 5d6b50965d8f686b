package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

// InsertMessage uses ON CONFLICT(timestamp) DO NOTHING: a message already in
// the log is silently ignored and reported as not inserted.
func (t *sqliteTx) InsertMessage(m message.Message) (bool, error) {
	value, err := m.Value.MarshalJSON()
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.Timestamp, err)
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO messages (timestamp, dataset, row_id, col, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(timestamp) DO NOTHING
	`, m.Timestamp.String(), m.Dataset, m.Row, m.Column, string(value))
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.Timestamp, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.Timestamp, err)
	}
	return n == 1, nil
}

func (t *sqliteTx) HasMessage(ts hlc.Timestamp) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT 1 FROM messages WHERE timestamp = ?`, ts.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has message %s: %w", ts, err)
	}
	return true, nil
}

// ScanMessages reads the matching page fully before invoking fn so that fn
// may write through the same transaction.
func (t *sqliteTx) ScanMessages(opts store.ScanOptions, fn func(message.Message) error) error {
	var (
		where []string
		args  []any
	)
	if !opts.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, opts.Since.String())
	}
	if opts.Dataset != "" {
		where = append(where, "dataset = ?")
		args = append(args, opts.Dataset)
	}
	if opts.Row != "" {
		where = append(where, "row_id = ?")
		args = append(args, opts.Row)
	}
	if opts.Column != "" {
		where = append(where, "col = ?")
		args = append(args, opts.Column)
	}

	query := "SELECT timestamp, dataset, row_id, col, value FROM messages"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if opts.Desc {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	msgs, err := t.queryMessages(query, args...)
	if err != nil {
		return err
	}

	return store.Each(msgs, fn)
}

func (t *sqliteTx) queryMessages(query string, args ...any) ([]message.Message, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []message.Message
	for rows.Next() {
		var (
			ts, value string
			m         message.Message
		)
		if err := rows.Scan(&ts, &m.Dataset, &m.Row, &m.Column, &value); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Timestamp, err = hlc.Parse(ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.Value, err = message.DecodeValue(m.Column, []byte(value)); err != nil {
			return nil, fmt.Errorf("scan message %s: %w", ts, err)
		}
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func (t *sqliteTx) CountMessages() (int, error) {
	var n int
	if err := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) GetRow(dataset, id string) (store.Record, bool, error) {
	var cells string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT cells FROM rows WHERE dataset = ? AND id = ?`, dataset, id).Scan(&cells)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, false, nil
	}
	if err != nil {
		return store.Record{}, false, fmt.Errorf("get row %s/%s: %w", dataset, id, err)
	}

	decoded, err := store.UnmarshalCells([]byte(cells))
	if err != nil {
		return store.Record{}, false, fmt.Errorf("get row %s/%s: %w", dataset, id, err)
	}
	return store.Record{Dataset: dataset, ID: id, Cells: decoded}, true, nil
}

func (t *sqliteTx) PutRow(rec store.Record) error {
	cells, err := store.MarshalCells(rec.Cells)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", rec.Dataset, rec.ID, err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO rows (dataset, id, cells) VALUES (?, ?, ?)
		ON CONFLICT(dataset, id) DO UPDATE SET cells = excluded.cells
	`, rec.Dataset, rec.ID, string(cells))
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", rec.Dataset, rec.ID, err)
	}
	return nil
}

func (t *sqliteTx) ScanRows(dataset string, fn func(store.Record) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT id, cells FROM rows
		WHERE dataset = ?
		ORDER BY id COLLATE BINARY ASC
	`, dataset)
	if err != nil {
		return fmt.Errorf("query rows: %w", err)
	}

	var recs []store.Record
	for rows.Next() {
		var id, cells string
		if err := rows.Scan(&id, &cells); err != nil {
			rows.Close()
			return fmt.Errorf("scan row: %w", err)
		}
		decoded, err := store.UnmarshalCells([]byte(cells))
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan row %s/%s: %w", dataset, id, err)
		}
		recs = append(recs, store.Record{Dataset: dataset, ID: id, Cells: decoded})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate rows: %w", err)
	}
	rows.Close()

	return store.Each(recs, fn)
}

func (t *sqliteTx) CountRows(dataset string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT COUNT(*) FROM rows WHERE dataset = ?`, dataset).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) DeleteRows() error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM rows`); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetMeta(key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get meta %q: %w", key, err)
	}
	return value, true, nil
}

func (t *sqliteTx) PutMeta(key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("put meta %q: %w", key, err)
	}
	return nil
}
