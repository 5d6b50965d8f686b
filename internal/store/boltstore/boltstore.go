// Package boltstore implements store.Storage on a bbolt file.
//
// Layout:
//
//	messages/<timestamp>          -> message JSON (cursor order = HLC order)
//	rows/<dataset>/<id>           -> cells JSON
//	meta/<key>                    -> raw bytes
package boltstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

var (
	bucketMessages = []byte("messages")
	bucketRows     = []byte("rows")
	bucketMeta     = []byte("meta")
)

// Store is a bbolt-backed replica store.
type Store struct {
	db *bolt.DB
}

var _ store.Storage = (*Store)(nil)

// Open creates or opens the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketRows, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

func (s *Store) Update(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

type boltTx struct {
	tx *bolt.Tx
}

func (t *boltTx) messages() *bolt.Bucket { return t.tx.Bucket(bucketMessages) }
func (t *boltTx) meta() *bolt.Bucket     { return t.tx.Bucket(bucketMeta) }

func (t *boltTx) InsertMessage(m message.Message) (bool, error) {
	key := []byte(m.Timestamp.String())
	b := t.messages()
	if b.Get(key) != nil {
		return false, nil
	}

	data, err := store.MarshalMessage(m)
	if err != nil {
		return false, err
	}
	if err := b.Put(key, data); err != nil {
		return false, fmt.Errorf("insert message %s: %w", m.Timestamp, err)
	}
	return true, nil
}

func (t *boltTx) HasMessage(ts hlc.Timestamp) (bool, error) {
	return t.messages().Get([]byte(ts.String())) != nil, nil
}

func (t *boltTx) ScanMessages(opts store.ScanOptions, fn func(message.Message) error) error {
	var (
		out   []message.Message
		c     = t.messages().Cursor()
		since []byte
	)
	if !opts.Since.IsZero() {
		since = []byte(opts.Since.String())
	}

	keep := func(v []byte) (bool, error) {
		m, err := store.UnmarshalMessage(v)
		if err != nil {
			return false, err
		}
		if opts.Matches(m) {
			out = append(out, m)
		}
		return opts.Limit <= 0 || len(out) < opts.Limit, nil
	}

	if opts.Desc {
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if since != nil && bytes.Compare(k, since) < 0 {
				break
			}
			more, err := keep(v)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	} else {
		k, v := c.First()
		if since != nil {
			k, v = c.Seek(since)
		}
		for ; k != nil; k, v = c.Next() {
			more, err := keep(v)
			if err != nil {
				return err
			}
			if !more {
				break
			}
		}
	}

	return store.Each(out, fn)
}

func (t *boltTx) CountMessages() (int, error) {
	return countKeys(t.messages()), nil
}

func (t *boltTx) GetRow(dataset, id string) (store.Record, bool, error) {
	b := t.tx.Bucket(bucketRows).Bucket([]byte(dataset))
	if b == nil {
		return store.Record{}, false, nil
	}
	data := b.Get([]byte(id))
	if data == nil {
		return store.Record{}, false, nil
	}

	cells, err := store.UnmarshalCells(data)
	if err != nil {
		return store.Record{}, false, fmt.Errorf("get row %s/%s: %w", dataset, id, err)
	}
	return store.Record{Dataset: dataset, ID: id, Cells: cells}, true, nil
}

func (t *boltTx) PutRow(rec store.Record) error {
	b, err := t.tx.Bucket(bucketRows).CreateBucketIfNotExists([]byte(rec.Dataset))
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", rec.Dataset, rec.ID, err)
	}

	data, err := store.MarshalCells(rec.Cells)
	if err != nil {
		return fmt.Errorf("put row %s/%s: %w", rec.Dataset, rec.ID, err)
	}
	if err := b.Put([]byte(rec.ID), data); err != nil {
		return fmt.Errorf("put row %s/%s: %w", rec.Dataset, rec.ID, err)
	}
	return nil
}

func (t *boltTx) ScanRows(dataset string, fn func(store.Record) error) error {
	b := t.tx.Bucket(bucketRows).Bucket([]byte(dataset))
	if b == nil {
		return nil
	}

	var out []store.Record
	err := b.ForEach(func(k, v []byte) error {
		cells, err := store.UnmarshalCells(v)
		if err != nil {
			return fmt.Errorf("scan row %s/%s: %w", dataset, k, err)
		}
		out = append(out, store.Record{Dataset: dataset, ID: string(k), Cells: cells})
		return nil
	})
	if err != nil {
		return err
	}
	return store.Each(out, fn)
}

func (t *boltTx) CountRows(dataset string) (int, error) {
	b := t.tx.Bucket(bucketRows).Bucket([]byte(dataset))
	if b == nil {
		return 0, nil
	}
	return countKeys(b), nil
}

// countKeys walks the bucket with a cursor. Bucket.Stats only sees committed
// pages and would miss writes made earlier in the same transaction.
func countKeys(b *bolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func (t *boltTx) DeleteRows() error {
	if err := t.tx.DeleteBucket(bucketRows); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	if _, err := t.tx.CreateBucket(bucketRows); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	return nil
}

func (t *boltTx) GetMeta(key string) ([]byte, bool, error) {
	v := t.meta().Get([]byte(key))
	if v == nil {
		return nil, false, nil
	}
	// Values are only valid for the life of the transaction.
	return append([]byte(nil), v...), true, nil
}

func (t *boltTx) PutMeta(key string, value []byte) error {
	if err := t.meta().Put([]byte(key), value); err != nil {
		return fmt.Errorf("put meta %q: %w", key, err)
	}
	return nil
}
