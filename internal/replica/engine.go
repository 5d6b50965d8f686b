package replica

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// SyncEvent is delivered to OnSync listeners after a batch was applied.
type SyncEvent struct {
	// Changed reports whether any projected cell changed.
	Changed bool

	// Remote is true for batches received from a peer, false for local
	// mutations.
	Remote bool

	// Result is set for remote batches.
	Result *syncer.Result
}

// Status is a snapshot of the engine's sync state.
type Status struct {
	Enabled  bool
	Online   bool
	Syncing  bool
	Pending  int
	LastSync time.Time
	LastErr  error
}

// Engine is the replica façade used by applications: local mutations, reads
// and sync against one peer.
//
// Thread-safety: Engine is safe for concurrent use. Local mutations are
// serialized; the network exchange of a sync runs without holding the
// mutation lock.
type Engine struct {
	mu      sync.Mutex
	store   *crdt.Store
	syncer  *syncer.Syncer
	pending []message.Message
	logger  *slog.Logger

	online   atomic.Bool
	lastSync atomic.Pointer[time.Time]
	lastErr  atomic.Pointer[error]
	nudge    chan struct{}

	lmu       sync.Mutex
	listeners []func(SyncEvent)
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	syncOpts []syncer.Option
	logger   *slog.Logger
}

// WithSyncOptions passes options to the syncer.
func WithSyncOptions(opts ...syncer.Option) Option {
	return func(o *engineOptions) { o.syncOpts = append(o.syncOpts, opts...) }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// New wraps store. With a nil transport the replica works offline only and
// Sync returns ErrNoTransport.
func New(store *crdt.Store, transport syncer.Transport, groupID string, opts ...Option) *Engine {
	o := engineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		store:  store,
		logger: o.logger,
		nudge:  make(chan struct{}, 1),
	}
	if transport != nil {
		syncOpts := append([]syncer.Option{syncer.WithLogger(o.logger)}, o.syncOpts...)
		e.syncer = syncer.New(store, transport, groupID, syncOpts...)
	}
	e.online.Store(true)
	return e
}

// Store returns the underlying message store.
func (e *Engine) Store() *crdt.Store {
	return e.store
}

// Node returns the replica's node id.
func (e *Engine) Node() string {
	return e.store.Node()
}

// OnSync registers fn to be called after every applied batch, local or
// remote. Listeners run synchronously on the goroutine that applied it.
func (e *Engine) OnSync(fn func(SyncEvent)) {
	e.lmu.Lock()
	defer e.lmu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) emit(ev SyncEvent) {
	e.lmu.Lock()
	listeners := append([]func(SyncEvent){}, e.listeners...)
	e.lmu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// SetSyncEnabled turns syncing on or off. Disabling does not interrupt an
// exchange in flight; local mutations keep queueing.
func (e *Engine) SetSyncEnabled(on bool) {
	if e.syncer == nil {
		return
	}
	e.syncer.SetEnabled(on)
	e.logger.Info("sync toggled", "enabled", on)
	if on {
		e.Nudge()
	}
}

// Status returns a snapshot of the sync state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()

	st := Status{Online: e.online.Load(), Pending: n}
	if e.syncer != nil {
		st.Enabled = e.syncer.Enabled()
		st.Syncing = e.syncer.Running()
	}
	if t := e.lastSync.Load(); t != nil {
		st.LastSync = *t
	}
	if err := e.lastErr.Load(); err != nil {
		st.LastErr = *err
	}
	return st
}

// Pending returns a copy of the messages not yet acknowledged by a sync.
func (e *Engine) Pending() []message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]message.Message(nil), e.pending...)
}

// Nudge asks a running background loop to sync now.
func (e *Engine) Nudge() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// Sync pushes pending messages and pulls until converged. Messages queued
// while the exchange runs stay pending for the next sync.
func (e *Engine) Sync(ctx context.Context) (*syncer.Result, error) {
	if e.syncer == nil {
		return nil, ErrNoTransport
	}

	e.mu.Lock()
	batch := append([]message.Message(nil), e.pending...)
	e.mu.Unlock()

	res, err := e.syncer.Sync(ctx, batch)
	if err != nil {
		// Rounds before the failure may already have applied remote messages.
		if res != nil && res.Received > 0 {
			e.emit(SyncEvent{Changed: res.Changed, Remote: true, Result: res})
		}
		e.lastErr.Store(&err)
		if syncer.IsTransportError(err) {
			if e.online.Swap(false) {
				e.logger.Warn("replica offline", "error", err)
			}
		}
		return res, fmt.Errorf("sync: %w", err)
	}
	if res.Skipped {
		return res, nil
	}

	e.ack(batch)

	now := time.Now()
	e.lastSync.Store(&now)
	e.lastErr.Store(nil)
	if !e.online.Swap(true) {
		e.logger.Info("replica online")
	}

	e.emit(SyncEvent{Changed: res.Changed, Remote: true, Result: res})
	return res, nil
}

// ack drops the messages of a delivered batch from the pending queue.
func (e *Engine) ack(batch []message.Message) {
	if len(batch) == 0 {
		return
	}
	sent := make(map[hlc.Timestamp]struct{}, len(batch))
	for _, m := range batch {
		sent[m.Timestamp] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.pending[:0]
	for _, m := range e.pending {
		if _, ok := sent[m.Timestamp]; !ok {
			kept = append(kept, m)
		}
	}
	clear(e.pending[len(kept):])
	e.pending = kept
}

// InsertRow creates a row and queues its messages.
func (e *Engine) InsertRow(ctx context.Context, dataset string, fields crdt.Fields) (string, error) {
	var id string
	err := e.mutate(func() ([]message.Message, error) {
		var (
			msgs []message.Message
			err  error
		)
		id, msgs, err = e.store.InsertRow(ctx, dataset, fields)
		return msgs, err
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// InsertRowWithID creates a row with a chosen id and queues its messages.
func (e *Engine) InsertRowWithID(ctx context.Context, dataset, id string, fields crdt.Fields) error {
	return e.mutate(func() ([]message.Message, error) {
		return e.store.InsertRowWithID(ctx, dataset, id, fields)
	})
}

// UpdateRow writes the changed fields of a row.
func (e *Engine) UpdateRow(ctx context.Context, dataset, id string, fields crdt.Fields) error {
	return e.mutate(func() ([]message.Message, error) {
		return e.store.UpdateRow(ctx, dataset, id, fields)
	})
}

// DeleteRow tombstones a row.
func (e *Engine) DeleteRow(ctx context.Context, dataset, id string) error {
	return e.mutate(func() ([]message.Message, error) {
		return e.store.DeleteRow(ctx, dataset, id)
	})
}

// Undelete clears a row's tombstone.
func (e *Engine) Undelete(ctx context.Context, dataset, id string) error {
	return e.mutate(func() ([]message.Message, error) {
		return e.store.Undelete(ctx, dataset, id)
	})
}

func (e *Engine) mutate(fn func() ([]message.Message, error)) error {
	e.mu.Lock()
	msgs, err := fn()
	if err == nil {
		e.pending = append(e.pending, msgs...)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		e.emit(SyncEvent{Changed: true})
	}
	return nil
}

// Rows returns the rows of dataset selected by filter.
func (e *Engine) Rows(ctx context.Context, dataset string, filter crdt.ReadFilter) ([]crdt.Row, error) {
	return e.store.Rows(ctx, dataset, filter)
}

// Row returns one row.
func (e *Engine) Row(ctx context.Context, dataset, id string) (crdt.Row, error) {
	return e.store.Row(ctx, dataset, id)
}

// Count returns the number of rows of dataset selected by filter.
func (e *Engine) Count(ctx context.Context, dataset string, filter crdt.ReadFilter) (int, error) {
	return e.store.Count(ctx, dataset, filter)
}

// Resolve follows a mapping row to its target.
func (e *Engine) Resolve(ctx context.Context, mappingDataset, mappingID, targetDataset string) (*crdt.Row, error) {
	return e.store.Resolve(ctx, mappingDataset, mappingID, targetDataset)
}

// Close closes the store.
func (e *Engine) Close() error {
	return e.store.Close()
}
