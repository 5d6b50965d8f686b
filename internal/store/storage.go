package store

import (
	"context"
	"errors"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

// ErrClosed is returned by operations on a closed Storage.
var ErrClosed = errors.New("storage closed")

// Storage is the durable home of a replica: the message log, the projected
// rows and a small metadata collection.
//
// View runs fn in a read-only transaction. Update runs fn in a read-write
// transaction that commits when fn returns nil and rolls back otherwise.
// Implementations serialize Update calls.
type Storage interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the set of operations available inside a transaction. A Tx must not
// be used after the callback that received it returns.
type Tx interface {
	// InsertMessage appends m to the log unless a message with the same
	// timestamp already exists. Reports whether it was inserted.
	InsertMessage(m message.Message) (bool, error)

	// HasMessage reports whether a message with timestamp ts is in the log.
	HasMessage(ts hlc.Timestamp) (bool, error)

	// ScanMessages calls fn for each message matching opts in timestamp
	// order. Returning ErrStop from fn ends the scan without error.
	ScanMessages(opts ScanOptions, fn func(message.Message) error) error

	// CountMessages returns the size of the log.
	CountMessages() (int, error)

	// GetRow returns the projection of (dataset, id). ok is false when the
	// row has never been written.
	GetRow(dataset, id string) (rec Record, ok bool, err error)

	// PutRow stores rec, replacing any previous projection of the same key.
	PutRow(rec Record) error

	// ScanRows calls fn for every row of dataset in id order.
	ScanRows(dataset string, fn func(Record) error) error

	// CountRows returns the number of rows in dataset.
	CountRows(dataset string) (int, error)

	// DeleteRows drops every projected row. The log is untouched.
	DeleteRows() error

	// GetMeta returns a metadata value. ok is false when key is unset.
	GetMeta(key string) (value []byte, ok bool, err error)

	// PutMeta sets a metadata value.
	PutMeta(key string, value []byte) error
}

// ErrStop ends a scan early.
var ErrStop = errors.New("stop scan")

// ScanOptions filters and orders a message scan. Zero values mean "any".
type ScanOptions struct {
	// Since restricts the scan to timestamps >= Since.
	Since hlc.Timestamp

	// Desc scans newest first.
	Desc bool

	Dataset string
	Row     string
	Column  string

	// Limit caps the number of messages delivered. Zero means no limit.
	Limit int
}

// Matches reports whether m passes the dataset/row/column/since filters.
func (o ScanOptions) Matches(m message.Message) bool {
	if o.Dataset != "" && m.Dataset != o.Dataset {
		return false
	}
	if o.Row != "" && m.Row != o.Row {
		return false
	}
	if o.Column != "" && m.Column != o.Column {
		return false
	}
	if !o.Since.IsZero() && m.Timestamp.Less(o.Since) {
		return false
	}
	return true
}

// Cell is one projected field: the winning value and the timestamp of the
// message that wrote it.
type Cell struct {
	Value     message.Value
	Timestamp hlc.Timestamp
}

// Record is the projected state of one row.
type Record struct {
	Dataset string
	ID      string
	Cells   map[string]Cell
}

// Clone returns a copy whose Cells map can be mutated independently.
func (r Record) Clone() Record {
	cells := make(map[string]Cell, len(r.Cells))
	for k, v := range r.Cells {
		cells[k] = v
	}
	return Record{Dataset: r.Dataset, ID: r.ID, Cells: cells}
}

// Each calls fn for every item in order. ErrStop ends the loop without error.
// Backends buffer a scan and hand it to Each so that fn may write through the
// same transaction.
func Each[T any](items []T, fn func(T) error) error {
	for _, it := range items {
		if err := fn(it); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}
