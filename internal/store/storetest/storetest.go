// Package storetest is the conformance suite every store.Storage backend runs
// from its own tests.
package storetest

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

// Opener returns a fresh, empty backend. The suite closes it.
type Opener func(t *testing.T) store.Storage

const (
	nodeA = "aaaaaaaaaaaaaaaa"
	nodeB = "bbbbbbbbbbbbbbbb"
)

const baseMillis = 1709294400000

func msg(offset uint64, counter uint16, node, row, column string, v message.Value) message.Message {
	return message.Message{
		Dataset:   "todos",
		Row:       row,
		Column:    column,
		Value:     v,
		Timestamp: hlc.New(baseMillis+offset, counter, node),
	}
}

// Run executes every conformance test against open.
func Run(t *testing.T, open Opener) {
	tests := map[string]func(t *testing.T, s store.Storage){
		"InsertMessageIdempotent":  testInsertMessageIdempotent,
		"ScanOrder":                testScanOrder,
		"ScanFilters":              testScanFilters,
		"ScanStop":                 testScanStop,
		"WriteDuringScan":          testWriteDuringScan,
		"UpdateRollsBackOnError":   testUpdateRollsBack,
		"ViewDoesNotPersistWrites": testViewDoesNotPersist,
		"Rows":                     testRows,
		"DeleteRows":               testDeleteRows,
		"Meta":                     testMeta,
		"ValueKindsSurvive":        testValueKinds,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func update(t *testing.T, s store.Storage, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.Update(context.Background(), fn))
}

func view(t *testing.T, s store.Storage, fn func(tx store.Tx) error) {
	t.Helper()
	require.NoError(t, s.View(context.Background(), fn))
}

func collect(t *testing.T, s store.Storage, opts store.ScanOptions) []message.Message {
	t.Helper()
	var out []message.Message
	view(t, s, func(tx store.Tx) error {
		return tx.ScanMessages(opts, func(m message.Message) error {
			out = append(out, m)
			return nil
		})
	})
	return out
}

func testInsertMessageIdempotent(t *testing.T, s store.Storage) {
	m := msg(0, 0, nodeA, "r1", "name", message.Text("milk"))

	update(t, s, func(tx store.Tx) error {
		inserted, err := tx.InsertMessage(m)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertMessage(m)
		require.NoError(t, err)
		assert.False(t, inserted, "same timestamp inside one tx")
		return nil
	})

	update(t, s, func(tx store.Tx) error {
		// Same timestamp, different payload: the first write wins.
		dup := m
		dup.Value = message.Text("eggs")
		inserted, err := tx.InsertMessage(dup)
		require.NoError(t, err)
		assert.False(t, inserted)
		return nil
	})

	view(t, s, func(tx store.Tx) error {
		ok, err := tx.HasMessage(m.Timestamp)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.HasMessage(hlc.New(baseMillis, 1, nodeA))
		require.NoError(t, err)
		assert.False(t, ok)

		n, err := tx.CountMessages()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return nil
	})

	got := collect(t, s, store.ScanOptions{})
	require.Len(t, got, 1)
	text, _ := got[0].Value.AsText()
	assert.Equal(t, "milk", text)
}

func testScanOrder(t *testing.T, s store.Storage) {
	rng := rand.New(rand.NewSource(4))
	var msgs []message.Message
	for i := 0; i < 60; i++ {
		node := nodeA
		if i%3 == 0 {
			node = nodeB
		}
		msgs = append(msgs, msg(uint64(rng.Intn(5000)), uint16(i), node, "r1", "name", message.Number(float64(i))))
	}
	rng.Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

	update(t, s, func(tx store.Tx) error {
		for _, m := range msgs {
			if _, err := tx.InsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	})

	asc := collect(t, s, store.ScanOptions{})
	require.Len(t, asc, len(msgs))
	for i := 1; i < len(asc); i++ {
		assert.True(t, asc[i-1].Timestamp.Less(asc[i].Timestamp), "ascending at %d", i)
	}

	desc := collect(t, s, store.ScanOptions{Desc: true})
	require.Len(t, desc, len(msgs))
	for i := range desc {
		assert.Equal(t, asc[len(asc)-1-i].Timestamp, desc[i].Timestamp)
	}

	since := asc[20].Timestamp
	tail := collect(t, s, store.ScanOptions{Since: since})
	require.Len(t, tail, len(asc)-20)
	assert.Equal(t, since, tail[0].Timestamp, "since is inclusive")

	descTail := collect(t, s, store.ScanOptions{Since: since, Desc: true})
	require.Len(t, descTail, len(asc)-20)
	assert.Equal(t, since, descTail[len(descTail)-1].Timestamp)

	limited := collect(t, s, store.ScanOptions{Since: since, Limit: 5})
	require.Len(t, limited, 5)
	assert.Equal(t, tail[:5], limited)
}

func testScanFilters(t *testing.T, s store.Storage) {
	batch := []message.Message{
		msg(1, 0, nodeA, "r1", "name", message.Text("a")),
		msg(2, 0, nodeA, "r1", "done", message.Bool(true)),
		msg(3, 0, nodeA, "r2", "name", message.Text("b")),
		{Dataset: "todoTypes", Row: "t1", Column: "name", Value: message.Text("Work"), Timestamp: hlc.New(baseMillis+4, 0, nodeA)},
	}
	update(t, s, func(tx store.Tx) error {
		for _, m := range batch {
			if _, err := tx.InsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	})

	assert.Len(t, collect(t, s, store.ScanOptions{Dataset: "todos"}), 3)
	assert.Len(t, collect(t, s, store.ScanOptions{Dataset: "todos", Row: "r1"}), 2)
	assert.Len(t, collect(t, s, store.ScanOptions{Column: "name"}), 3)

	cell := collect(t, s, store.ScanOptions{Dataset: "todos", Row: "r1", Column: "done"})
	require.Len(t, cell, 1)
	assert.Equal(t, batch[1].Timestamp, cell[0].Timestamp)

	latest := collect(t, s, store.ScanOptions{Column: "name", Desc: true, Limit: 1})
	require.Len(t, latest, 1)
	assert.Equal(t, "todoTypes", latest[0].Dataset)
}

func testScanStop(t *testing.T, s store.Storage) {
	update(t, s, func(tx store.Tx) error {
		for i := 0; i < 10; i++ {
			if _, err := tx.InsertMessage(msg(uint64(i), 0, nodeA, "r1", "name", message.Number(float64(i)))); err != nil {
				return err
			}
		}
		return nil
	})

	seen := 0
	view(t, s, func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{}, func(message.Message) error {
			seen++
			if seen == 3 {
				return store.ErrStop
			}
			return nil
		})
	})
	assert.Equal(t, 3, seen)

	boom := errors.New("boom")
	err := s.View(context.Background(), func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{}, func(message.Message) error { return boom })
	})
	assert.ErrorIs(t, err, boom)
}

func testWriteDuringScan(t *testing.T, s store.Storage) {
	update(t, s, func(tx store.Tx) error {
		for i := 0; i < 5; i++ {
			if _, err := tx.InsertMessage(msg(uint64(i), 0, nodeA, "r1", "order", message.Number(float64(i)))); err != nil {
				return err
			}
		}
		return nil
	})

	update(t, s, func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{}, func(m message.Message) error {
			return tx.PutRow(store.Record{
				Dataset: m.Dataset,
				ID:      m.Row,
				Cells:   map[string]store.Cell{m.Column: {Value: m.Value, Timestamp: m.Timestamp}},
			})
		})
	})

	view(t, s, func(tx store.Tx) error {
		rec, ok, err := tx.GetRow("todos", "r1")
		require.NoError(t, err)
		require.True(t, ok)
		n, _ := rec.Cells["order"].Value.AsNumber()
		assert.Equal(t, float64(4), n, "last scanned message wins")
		return nil
	})
}

func testUpdateRollsBack(t *testing.T, s store.Storage) {
	boom := errors.New("boom")
	m := msg(0, 0, nodeA, "r1", "name", message.Text("x"))

	err := s.Update(context.Background(), func(tx store.Tx) error {
		if _, err := tx.InsertMessage(m); err != nil {
			return err
		}
		if err := tx.PutMeta("clock", []byte("v1")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	view(t, s, func(tx store.Tx) error {
		ok, err := tx.HasMessage(m.Timestamp)
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = tx.GetMeta("clock")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func testViewDoesNotPersist(t *testing.T, s store.Storage) {
	m := msg(0, 0, nodeA, "r1", "name", message.Text("x"))
	_ = s.View(context.Background(), func(tx store.Tx) error {
		_, _ = tx.InsertMessage(m)
		return nil
	})

	view(t, s, func(tx store.Tx) error {
		ok, err := tx.HasMessage(m.Timestamp)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func testRows(t *testing.T, s store.Storage) {
	ts := hlc.New(baseMillis, 0, nodeA)
	cell := func(v message.Value) map[string]store.Cell {
		return map[string]store.Cell{"name": {Value: v, Timestamp: ts}}
	}

	update(t, s, func(tx store.Tx) error {
		for _, id := range []string{"c", "a", "b"} {
			if err := tx.PutRow(store.Record{Dataset: "todos", ID: id, Cells: cell(message.Text(id))}); err != nil {
				return err
			}
		}
		return tx.PutRow(store.Record{Dataset: "todoTypes", ID: "z", Cells: cell(message.Text("Work"))})
	})

	// Overwrite replaces the whole record.
	update(t, s, func(tx store.Tx) error {
		return tx.PutRow(store.Record{Dataset: "todos", ID: "a", Cells: cell(message.Text("A"))})
	})

	view(t, s, func(tx store.Tx) error {
		rec, ok, err := tx.GetRow("todos", "a")
		require.NoError(t, err)
		require.True(t, ok)
		name, _ := rec.Cells["name"].Value.AsText()
		assert.Equal(t, "A", name)
		assert.Equal(t, ts, rec.Cells["name"].Timestamp)

		_, ok, err = tx.GetRow("todos", "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = tx.GetRow("nope", "a")
		require.NoError(t, err)
		assert.False(t, ok)

		var ids []string
		require.NoError(t, tx.ScanRows("todos", func(r store.Record) error {
			ids = append(ids, r.ID)
			return nil
		}))
		assert.Equal(t, []string{"a", "b", "c"}, ids)

		n, err := tx.CountRows("todos")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = tx.CountRows("todoTypes")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.CountRows("unknown")
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		return nil
	})
}

func testDeleteRows(t *testing.T, s store.Storage) {
	ts := hlc.New(baseMillis, 0, nodeA)
	m := msg(0, 0, nodeA, "r1", "name", message.Text("x"))
	update(t, s, func(tx store.Tx) error {
		if _, err := tx.InsertMessage(m); err != nil {
			return err
		}
		return tx.PutRow(store.Record{Dataset: "todos", ID: "r1", Cells: map[string]store.Cell{
			"name": {Value: message.Text("x"), Timestamp: ts},
		}})
	})

	update(t, s, func(tx store.Tx) error { return tx.DeleteRows() })

	view(t, s, func(tx store.Tx) error {
		n, err := tx.CountRows("todos")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		ok, err := tx.HasMessage(m.Timestamp)
		require.NoError(t, err)
		assert.True(t, ok, "log survives")
		return nil
	})
}

func testMeta(t *testing.T, s store.Storage) {
	update(t, s, func(tx store.Tx) error {
		if err := tx.PutMeta("clock", []byte("one")); err != nil {
			return err
		}
		return tx.PutMeta("clock", []byte("two"))
	})

	view(t, s, func(tx store.Tx) error {
		v, ok, err := tx.GetMeta("clock")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", string(v))

		_, ok, err = tx.GetMeta("merkle")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
}

func testValueKinds(t *testing.T, s store.Storage) {
	batch := []message.Message{
		msg(1, 0, nodeA, "r1", "name", message.Text("café")),
		msg(2, 0, nodeA, "r1", "order", message.Number(2.5)),
		msg(3, 0, nodeA, "r1", "done", message.Bool(true)),
		msg(4, 0, nodeA, "r1", message.TombstoneColumn, message.Flag(true)),
	}
	update(t, s, func(tx store.Tx) error {
		for _, m := range batch {
			if _, err := tx.InsertMessage(m); err != nil {
				return err
			}
		}
		return nil
	})

	got := collect(t, s, store.ScanOptions{})
	require.Len(t, got, len(batch))
	for i := range batch {
		assert.Equal(t, batch[i].Key(), got[i].Key())
		assert.True(t, batch[i].Value.Equal(got[i].Value), "%s: %s != %s", batch[i].Column, batch[i].Value, got[i].Value)
	}
}
