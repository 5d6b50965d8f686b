package crdt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
)

// Meta keys holding the persisted clock state.
const (
	metaClock  = "clock"
	metaMerkle = "merkle"
)

// ClockState is the per-replica synchronization state: the hybrid clock and
// the merkle index over every logged timestamp.
type ClockState struct {
	Clock  *hlc.Clock
	Merkle *merkle.Trie
}

// Store is the message-log CRDT of one replica. It owns the replica's
// ClockState and keeps log, projection and merkle index consistent.
//
// Thread-safety: Store is safe for concurrent use. Apply calls are
// serialized; reads go straight to the storage backend.
type Store struct {
	mu       sync.Mutex
	storage  store.Storage
	state    ClockState
	datasets map[string]bool
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	datasets  []string
	node      string
	clockOpts []hlc.Option
	logger    *slog.Logger
}

// WithDatasets restricts the store to the named datasets. Messages for any
// other dataset fail with UNKNOWN_DATASET. Without this option every dataset
// is accepted.
func WithDatasets(names ...string) Option {
	return func(o *options) { o.datasets = append(o.datasets, names...) }
}

// WithNodeID sets the node id for a fresh replica. Ignored when the storage
// already holds a persisted clock.
func WithNodeID(node string) Option {
	return func(o *options) { o.node = node }
}

// WithClockOptions passes options to the hybrid clock.
func WithClockOptions(opts ...hlc.Option) Option {
	return func(o *options) { o.clockOpts = append(o.clockOpts, opts...) }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open loads the replica state from storage. The merkle index is rebuilt from
// the log; the persisted copy is only used as a consistency check.
func Open(ctx context.Context, storage store.Storage, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Store{storage: storage, logger: o.logger}
	if len(o.datasets) > 0 {
		s.datasets = make(map[string]bool, len(o.datasets))
		for _, d := range o.datasets {
			s.datasets[d] = true
		}
	}

	var (
		last      hlc.Timestamp
		haveClock bool
		newest    hlc.Timestamp
		persisted *merkle.Trie
		trie      = merkle.New()
	)
	err := storage.View(ctx, func(tx store.Tx) error {
		raw, ok, err := tx.GetMeta(metaClock)
		if err != nil {
			return err
		}
		if ok {
			if last, err = hlc.Parse(string(raw)); err != nil {
				return fmt.Errorf("persisted clock: %w", err)
			}
			haveClock = true
		}

		raw, ok, err = tx.GetMeta(metaMerkle)
		if err != nil {
			return err
		}
		if ok {
			if persisted, err = merkle.Parse(raw); err != nil {
				s.logger.Warn("persisted merkle unreadable", "error", err)
			}
		}

		return tx.ScanMessages(store.ScanOptions{}, func(m message.Message) error {
			trie.Insert(m.Timestamp)
			newest = m.Timestamp
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	if persisted != nil && !persisted.Equal(trie) {
		s.logger.Warn("persisted merkle disagrees with log; using log",
			"persisted", persisted.Hash(), "rebuilt", trie.Hash())
	}

	if !haveClock {
		node := o.node
		if node == "" {
			node = hlc.NewNodeID()
		}
		if err := hlc.ValidateNode(node); err != nil {
			return nil, fmt.Errorf("open replica: %w", err)
		}
		last = hlc.Timestamp{Node: node}
	} else if o.node != "" && o.node != last.Node {
		s.logger.Warn("ignoring configured node id; replica already has one",
			"configured", o.node, "persisted", last.Node)
	}

	// The clock must never fall behind anything already logged.
	if newest.After(last) {
		last = hlc.New(newest.Millis, newest.Counter, last.Node)
	}

	s.state = ClockState{
		Clock:  hlc.NewClockAt(last, o.clockOpts...),
		Merkle: trie,
	}

	if !haveClock {
		err := storage.Update(ctx, func(tx store.Tx) error {
			return s.persistState(tx)
		})
		if err != nil {
			return nil, fmt.Errorf("open replica: %w", err)
		}
	}

	s.logger.Debug("replica opened",
		"node", last.Node, "clock", last, "messages", trie.Len(), "merkle", trie.Hash())
	return s, nil
}

// Clock returns the replica's hybrid clock.
func (s *Store) Clock() *hlc.Clock {
	return s.state.Clock
}

// Node returns the replica's node id.
func (s *Store) Node() string {
	return s.state.Clock.Node()
}

// Merkle returns a snapshot of the merkle index.
func (s *Store) Merkle() *merkle.Trie {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Merkle.Clone()
}

// MerkleHash returns the root hash of the merkle index.
func (s *Store) MerkleHash() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Merkle.Hash()
}

// KnowsDataset reports whether dataset is accepted by this store.
func (s *Store) KnowsDataset(dataset string) bool {
	return s.datasets == nil || s.datasets[dataset]
}

// Datasets returns the registered datasets, or nil for an open store.
func (s *Store) Datasets() []string {
	if s.datasets == nil {
		return nil
	}
	out := make([]string, 0, len(s.datasets))
	for d := range s.datasets {
		out = append(out, d)
	}
	return out
}

// Apply applies a batch of messages in one storage transaction.
//
// For each message: a timestamp already in the log is a no-op; otherwise the
// message is logged, indexed in the merkle trie and written to the projected
// cell if the cell is absent or older. Invalid messages and messages for
// unknown datasets fail individually without affecting the rest of the batch.
//
// The returned error is non-nil only when the storage transaction itself
// failed; in that case nothing from the batch is visible.
func (s *Store) Apply(ctx context.Context, msgs []message.Message) (*BatchReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		report  *BatchReport
		indexed []hlc.Timestamp
	)
	err := s.storage.Update(ctx, func(tx store.Tx) error {
		report = &BatchReport{Results: make([]Result, 0, len(msgs))}
		indexed = indexed[:0]

		for _, m := range msgs {
			outcome, err := s.applyOne(tx, m)
			if err != nil && outcome != OutcomeFailed {
				return err
			}
			if outcome == OutcomeApplied || outcome == OutcomeSuperseded {
				if s.state.Merkle.Insert(m.Timestamp) {
					indexed = append(indexed, m.Timestamp)
				}
			}
			report.Results = append(report.Results, Result{Message: m, Outcome: outcome, Err: err})
		}

		return s.persistState(tx)
	})
	if err != nil {
		for _, ts := range indexed {
			s.state.Merkle.Remove(ts)
		}
		return nil, fmt.Errorf("apply batch: %w", err)
	}

	s.logger.Debug("batch applied", "size", len(msgs), "report", report.String())
	return report, nil
}

// applyOne returns OutcomeFailed with a StorageError for refused messages,
// or another outcome with a non-nil error when the backend failed.
func (s *Store) applyOne(tx store.Tx, m message.Message) (Outcome, error) {
	if err := m.Validate(); err != nil {
		return OutcomeFailed, invalidMessage(m.Dataset, err)
	}
	if !s.KnowsDataset(m.Dataset) {
		return OutcomeFailed, unknownDataset(m.Dataset)
	}

	inserted, err := tx.InsertMessage(m)
	if err != nil {
		return OutcomeDuplicate, err
	}
	if !inserted {
		s.logger.Debug("duplicate message", "timestamp", m.Timestamp)
		return OutcomeDuplicate, nil
	}

	applied, err := project(tx, m)
	if err != nil {
		return OutcomeApplied, err
	}
	if !applied {
		return OutcomeSuperseded, nil
	}
	return OutcomeApplied, nil
}

// project writes m into its cell if the cell is absent or older.
func project(tx store.Tx, m message.Message) (bool, error) {
	rec, ok, err := tx.GetRow(m.Dataset, m.Row)
	if err != nil {
		return false, err
	}
	if !ok {
		rec = store.Record{Dataset: m.Dataset, ID: m.Row, Cells: make(map[string]Cell)}
	}

	if cur, ok := rec.Cells[m.Column]; ok && !cur.Timestamp.Less(m.Timestamp) {
		return false, nil
	}

	rec.Cells[m.Column] = Cell{Value: m.Value, Timestamp: m.Timestamp}
	if err := tx.PutRow(rec); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) persistState(tx store.Tx) error {
	if err := tx.PutMeta(metaClock, []byte(s.state.Clock.Last().String())); err != nil {
		return err
	}
	data, err := json.Marshal(s.state.Merkle)
	if err != nil {
		return fmt.Errorf("encode merkle: %w", err)
	}
	return tx.PutMeta(metaMerkle, data)
}

// MessagesSince returns every logged message with timestamp >= since, in
// timestamp order. A zero since returns the whole log.
func (s *Store) MessagesSince(ctx context.Context, since hlc.Timestamp) ([]message.Message, error) {
	var out []message.Message
	err := s.storage.View(ctx, func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{Since: since}, func(m message.Message) error {
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("messages since %s: %w", since, err)
	}
	return out, nil
}

// History returns the messages that targeted one row, newest first.
func (s *Store) History(ctx context.Context, dataset, row string) ([]message.Message, error) {
	var out []message.Message
	err := s.storage.View(ctx, func(tx store.Tx) error {
		return tx.ScanMessages(store.ScanOptions{Dataset: dataset, Row: row, Desc: true}, func(m message.Message) error {
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history %s/%s: %w", dataset, row, err)
	}
	return out, nil
}

// CountMessages returns the size of the log.
func (s *Store) CountMessages(ctx context.Context) (int, error) {
	var n int
	err := s.storage.View(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.CountMessages()
		return err
	})
	return n, err
}

// Rebuild drops every projection and the merkle index and re-derives both by
// replaying the log in timestamp order.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state.Merkle
	trie := merkle.New()
	s.state.Merkle = trie

	err := s.storage.Update(ctx, func(tx store.Tx) error {
		if err := tx.DeleteRows(); err != nil {
			return err
		}
		err := tx.ScanMessages(store.ScanOptions{}, func(m message.Message) error {
			trie.Insert(m.Timestamp)
			_, err := project(tx, m)
			return err
		})
		if err != nil {
			return err
		}
		return s.persistState(tx)
	})
	if err != nil {
		s.state.Merkle = prev
		return fmt.Errorf("rebuild: %w", err)
	}

	s.logger.Info("projections rebuilt", "messages", trie.Len(), "merkle", trie.Hash())
	return nil
}

// Close closes the storage backend.
func (s *Store) Close() error {
	return s.storage.Close()
}
