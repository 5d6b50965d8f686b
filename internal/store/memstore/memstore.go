// Package memstore is an in-memory store.Storage built on copy-on-write
// B-trees. Update works on lazy clones of the committed trees and swaps them
// in on success, so a failed transaction leaves no trace.
package memstore

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

const degree = 16

// Store is safe for concurrent use. Updates are serialized; views read the
// last committed state.
type Store struct {
	mu     sync.RWMutex
	state  *state
	closed bool
}

var _ store.Storage = (*Store)(nil)

type state struct {
	messages *btree.BTreeG[message.Message]
	rows     *btree.BTreeG[store.Record]
	meta     map[string][]byte
}

func lessMessage(a, b message.Message) bool {
	return a.Timestamp.Less(b.Timestamp)
}

func lessRecord(a, b store.Record) bool {
	if a.Dataset != b.Dataset {
		return a.Dataset < b.Dataset
	}
	return a.ID < b.ID
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{
		messages: btree.NewG(degree, lessMessage),
		rows:     btree.NewG(degree, lessRecord),
		meta:     make(map[string][]byte),
	}}
}

func (s *state) clone() *state {
	meta := make(map[string][]byte, len(s.meta))
	for k, v := range s.meta {
		meta[k] = v
	}
	return &state{
		messages: s.messages.Clone(),
		rows:     s.rows.Clone(),
		meta:     meta,
	}
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return fn(&memTx{state: s.state, readOnly: true})
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	draft := s.state.clone()
	if err := fn(&memTx{state: draft}); err != nil {
		return err
	}
	s.state = draft
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memTx struct {
	state    *state
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

var errReadOnly = storeError("write in read-only transaction")

type storeError string

func (e storeError) Error() string { return "memstore: " + string(e) }

func (t *memTx) InsertMessage(m message.Message) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if t.state.messages.Has(m) {
		return false, nil
	}
	t.state.messages.ReplaceOrInsert(m)
	return true, nil
}

func (t *memTx) HasMessage(ts hlc.Timestamp) (bool, error) {
	return t.state.messages.Has(message.Message{Timestamp: ts}), nil
}

func (t *memTx) ScanMessages(opts store.ScanOptions, fn func(message.Message) error) error {
	var out []message.Message
	visit := func(m message.Message) bool {
		if !opts.Since.IsZero() && m.Timestamp.Less(opts.Since) {
			// Descending scans stop once they pass the lower bound.
			return !opts.Desc
		}
		if opts.Matches(m) {
			out = append(out, m)
		}
		return opts.Limit <= 0 || len(out) < opts.Limit
	}

	switch {
	case opts.Desc:
		t.state.messages.Descend(visit)
	case opts.Since.IsZero():
		t.state.messages.Ascend(visit)
	default:
		t.state.messages.AscendGreaterOrEqual(message.Message{Timestamp: opts.Since}, visit)
	}
	return store.Each(out, fn)
}

func (t *memTx) CountMessages() (int, error) {
	return t.state.messages.Len(), nil
}

func (t *memTx) GetRow(dataset, id string) (store.Record, bool, error) {
	rec, ok := t.state.rows.Get(store.Record{Dataset: dataset, ID: id})
	if !ok {
		return store.Record{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (t *memTx) PutRow(rec store.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.rows.ReplaceOrInsert(rec.Clone())
	return nil
}

func (t *memTx) ScanRows(dataset string, fn func(store.Record) error) error {
	var out []store.Record
	t.state.rows.AscendGreaterOrEqual(store.Record{Dataset: dataset}, func(rec store.Record) bool {
		if rec.Dataset != dataset {
			return false
		}
		out = append(out, rec.Clone())
		return true
	})
	return store.Each(out, fn)
}

func (t *memTx) CountRows(dataset string) (int, error) {
	n := 0
	t.state.rows.AscendGreaterOrEqual(store.Record{Dataset: dataset}, func(rec store.Record) bool {
		if rec.Dataset != dataset {
			return false
		}
		n++
		return true
	})
	return n, nil
}

func (t *memTx) DeleteRows() error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.rows.Clear(false)
	return nil
}

func (t *memTx) GetMeta(key string) ([]byte, bool, error) {
	v, ok := t.state.meta[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *memTx) PutMeta(key string, value []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.state.meta[key] = append([]byte(nil), value...)
	return nil
}
