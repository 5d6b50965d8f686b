package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// BadRequestError marks a sync request the relay refuses. It maps to 400.
type BadRequestError struct {
	Err error
}

func (e *BadRequestError) Error() string {
	return "bad sync request: " + e.Err.Error()
}

func (e *BadRequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) error {
	return &BadRequestError{Err: fmt.Errorf(format, args...)}
}

// IsBadRequest reports whether err is a BadRequestError.
func IsBadRequest(err error) bool {
	var br *BadRequestError
	return errors.As(err, &br)
}

// Relay is the server side of the sync protocol. It logs every message it
// is sent per group, keeps a merkle index per group and answers each request
// with the group's messages from the divergence point on that the requesting
// client did not author.
//
// Thread-safety: Relay is safe for concurrent use. Requests of one group are
// serialized.
type Relay struct {
	store    GroupStore
	notifier Notifier
	logger   *slog.Logger

	mu     sync.Mutex
	groups map[string]*groupState
}

type groupState struct {
	mu   sync.Mutex
	trie *merkle.Trie
}

// NewRelay returns a relay over store. notifier may be nil.
func NewRelay(store GroupStore, notifier Notifier, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    store,
		notifier: notifier,
		logger:   logger,
		groups:   make(map[string]*groupState),
	}
}

func (r *Relay) group(name string) *groupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[name]
	if !ok {
		g = &groupState{}
		r.groups[name] = g
	}
	return g
}

// refresh brings the group's merkle index up to date with the store. Relays
// sharing a store see each other's messages only through it, so the index
// is rebuilt whenever the store holds messages it does not cover. logged
// are messages known to be in the store. Callers hold g.mu.
func (r *Relay) refresh(ctx context.Context, name string, g *groupState, logged []message.Message) error {
	if g.trie != nil {
		for _, m := range logged {
			g.trie.Insert(m.Timestamp)
		}
	}

	n, err := r.store.Count(ctx, name)
	if err != nil {
		return err
	}
	if g.trie != nil && g.trie.Len() == n {
		return nil
	}

	timestamps, err := r.store.Timestamps(ctx, name)
	if err != nil {
		return err
	}
	g.trie = merkle.Build(timestamps)
	r.logger.Debug("group index rebuilt", "group", name, "messages", len(timestamps), "merkle", g.trie.Hash())
	return nil
}

func validateRequest(req *syncer.Request) error {
	if req.GroupID == "" {
		return badRequest("missing group_id")
	}
	if err := hlc.ValidateNode(req.ClientID); err != nil {
		return badRequest("client_id: %w", err)
	}
	if req.Merkle == nil {
		return badRequest("missing merkle")
	}
	for _, m := range req.Messages {
		if err := m.Validate(); err != nil {
			return badRequest("message %s: %w", m.Timestamp, err)
		}
	}
	return nil
}

// Handle processes one sync request.
func (r *Relay) Handle(ctx context.Context, req *syncer.Request) (*syncer.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	g := r.group(req.GroupID)
	g.mu.Lock()
	defer g.mu.Unlock()

	added, err := r.store.AddMessages(ctx, req.GroupID, req.Messages)
	if err != nil {
		return nil, err
	}
	if err := r.refresh(ctx, req.GroupID, g, req.Messages); err != nil {
		return nil, err
	}

	resp := &syncer.Response{Messages: []message.Message{}, Merkle: g.trie.Clone()}
	if diff, diverged := merkle.Diff(g.trie, req.Merkle); diverged {
		msgs, err := r.store.MessagesSince(ctx, req.GroupID, diff.Timestamp())
		if err != nil {
			return nil, err
		}
		for _, m := range msgs {
			if m.Timestamp.Node != req.ClientID {
				resp.Messages = append(resp.Messages, m)
			}
		}
	}

	if len(added) > 0 && r.notifier != nil {
		notice := syncer.Notice{
			GroupID:  req.GroupID,
			ClientID: req.ClientID,
			Count:    len(added),
			Hash:     g.trie.Hash(),
		}
		if err := r.notifier.Publish(ctx, notice); err != nil {
			r.logger.Warn("publish notice failed", "group", req.GroupID, "error", err)
		}
	}
	return resp, nil
}

// Hash returns the merkle root of a group as the store currently holds it.
func (r *Relay) Hash(ctx context.Context, group string) (uint64, error) {
	g := r.group(group)
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := r.refresh(ctx, group, g, nil); err != nil {
		return 0, err
	}
	return g.trie.Hash(), nil
}
