package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/memstore"
)

// GroupStore keeps the message log of every sync group.
type GroupStore interface {
	// AddMessages logs msgs for group and returns the ones that were new.
	AddMessages(ctx context.Context, group string, msgs []message.Message) ([]message.Message, error)

	// MessagesSince returns the group's messages with timestamp >= since in
	// timestamp order.
	MessagesSince(ctx context.Context, group string, since hlc.Timestamp) ([]message.Message, error)

	// Timestamps returns every logged timestamp of the group.
	Timestamps(ctx context.Context, group string) ([]hlc.Timestamp, error)

	// Count returns the number of messages logged for the group.
	Count(ctx context.Context, group string) (int, error)

	Close() error
}

// StorageStore keeps each group in its own store.Storage.
type StorageStore struct {
	open func(group string) (store.Storage, error)

	mu     sync.Mutex
	groups map[string]store.Storage
}

var _ GroupStore = (*StorageStore)(nil)

// NewStorageStore returns a GroupStore that calls open the first time a
// group is seen.
func NewStorageStore(open func(group string) (store.Storage, error)) *StorageStore {
	return &StorageStore{open: open, groups: make(map[string]store.Storage)}
}

// NewMemoryStore returns a GroupStore held entirely in memory.
func NewMemoryStore() *StorageStore {
	return NewStorageStore(func(string) (store.Storage, error) {
		return memstore.New(), nil
	})
}

func (s *StorageStore) group(name string) (store.Storage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.groups[name]; ok {
		return st, nil
	}
	st, err := s.open(name)
	if err != nil {
		return nil, fmt.Errorf("open group %s: %w", name, err)
	}
	s.groups[name] = st
	return st, nil
}

func (s *StorageStore) AddMessages(ctx context.Context, group string, msgs []message.Message) ([]message.Message, error) {
	st, err := s.group(group)
	if err != nil {
		return nil, err
	}
	var added []message.Message
	err = st.Update(ctx, func(tx store.Tx) error {
		added = added[:0]
		for _, m := range msgs {
			ok, err := tx.InsertMessage(m)
			if err != nil {
				return err
			}
			if ok {
				added = append(added, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("add messages to %s: %w", group, err)
	}
	return added, nil
}

func (s *StorageStore) MessagesSince(ctx context.Context, group string, since hlc.Timestamp) ([]message.Message, error) {
	st, err := s.group(group)
	if err != nil {
		return nil, err
	}
	var out []message.Message
	err = st.View(ctx, func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{Since: since}, func(m message.Message) error {
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("messages of %s: %w", group, err)
	}
	return out, nil
}

func (s *StorageStore) Timestamps(ctx context.Context, group string) ([]hlc.Timestamp, error) {
	msgs, err := s.MessagesSince(ctx, group, hlc.Timestamp{})
	if err != nil {
		return nil, err
	}
	out := make([]hlc.Timestamp, len(msgs))
	for i, m := range msgs {
		out[i] = m.Timestamp
	}
	return out, nil
}

func (s *StorageStore) Count(ctx context.Context, group string) (int, error) {
	st, err := s.group(group)
	if err != nil {
		return 0, err
	}
	var n int
	err = st.View(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountMessages()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", group, err)
	}
	return n, nil
}

// Close closes every opened group.
func (s *StorageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for name, st := range s.groups {
		if err := st.Close(); err != nil && first == nil {
			first = fmt.Errorf("close group %s: %w", name, err)
		}
	}
	s.groups = map[string]store.Storage{}
	return first
}
