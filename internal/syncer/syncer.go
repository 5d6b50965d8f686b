package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

// DefaultMaxRounds bounds the number of exchanges in one Sync call.
const DefaultMaxRounds = 16

// Replica is the local side of a sync. *crdt.Store implements it.
type Replica interface {
	Clock() *hlc.Clock
	Merkle() *merkle.Trie
	MessagesSince(ctx context.Context, since hlc.Timestamp) ([]message.Message, error)
	Apply(ctx context.Context, msgs []message.Message) (*crdt.BatchReport, error)
}

// Result summarizes one Sync call.
type Result struct {
	// Skipped is true when syncing was disabled or another sync was running.
	Skipped bool

	// Rounds is the number of exchanges performed.
	Rounds int

	// Sent and Received count messages over all rounds.
	Sent     int
	Received int

	// Changed reports whether remote messages changed any projected cell.
	Changed bool
}

// Syncer runs the anti-entropy exchange between a replica and one peer.
//
// Thread-safety: Sync may be called concurrently; overlapping calls return
// a skipped Result instead of starting a second exchange.
type Syncer struct {
	replica   Replica
	transport Transport
	groupID   string
	maxRounds int
	logger    *slog.Logger

	enabled atomic.Bool
	running atomic.Bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithMaxRounds overrides DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(s *Syncer) {
		if n > 0 {
			s.maxRounds = n
		}
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Syncer) { s.logger = l }
}

// New returns an enabled Syncer for the given group.
func New(replica Replica, transport Transport, groupID string, opts ...Option) *Syncer {
	s := &Syncer{
		replica:   replica,
		transport: transport,
		groupID:   groupID,
		maxRounds: DefaultMaxRounds,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.enabled.Store(true)
	return s
}

// SetEnabled turns syncing on or off. An exchange already in flight is not
// interrupted.
func (s *Syncer) SetEnabled(on bool) {
	s.enabled.Store(on)
}

// Enabled reports whether syncing is on.
func (s *Syncer) Enabled() bool {
	return s.enabled.Load()
}

// Running reports whether an exchange is in flight.
func (s *Syncer) Running() bool {
	return s.running.Load()
}

// GroupID returns the sync group.
func (s *Syncer) GroupID() string {
	return s.groupID
}

// Sync pushes pending to the peer and pulls until both merkle indexes agree.
func (s *Syncer) Sync(ctx context.Context, pending []message.Message) (*Result, error) {
	return s.run(ctx, pending, 0, false)
}

// SyncSince is Sync starting from an explicit divergence point: every logged
// message from the start of since on is sent in the first round.
func (s *Syncer) SyncSince(ctx context.Context, since merkle.Bucket) (*Result, error) {
	return s.run(ctx, nil, since, true)
}

func (s *Syncer) run(ctx context.Context, pending []message.Message, since merkle.Bucket, haveSince bool) (*Result, error) {
	if !s.enabled.Load() {
		s.logger.Debug("sync disabled")
		return &Result{Skipped: true}, nil
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("sync already running")
		return &Result{Skipped: true}, nil
	}
	defer s.running.Store(false)

	res := &Result{}
	for {
		if res.Rounds == s.maxRounds {
			return res, &ProtocolError{Reason: fmt.Sprintf("no convergence after %d rounds", s.maxRounds)}
		}
		res.Rounds++

		outgoing := pending
		if haveSince {
			var err error
			outgoing, err = s.replica.MessagesSince(ctx, since.Timestamp())
			if err != nil {
				return res, fmt.Errorf("sync round %d: %w", res.Rounds, err)
			}
		}

		remote, err := s.round(ctx, res, outgoing)
		if err != nil {
			return res, err
		}

		diff, diverged := merkle.Diff(remote, s.replica.Merkle())
		if !diverged {
			s.logger.Debug("sync converged",
				"group", s.groupID, "rounds", res.Rounds, "sent", res.Sent, "received", res.Received)
			return res, nil
		}
		if haveSince && diff == since {
			return res, &ProtocolError{Reason: fmt.Sprintf("divergence at %s did not narrow", diff)}
		}

		s.logger.Debug("sync diverged", "group", s.groupID, "round", res.Rounds, "since", diff)
		since, haveSince = diff, true
		pending = nil
	}
}

// round performs one exchange and applies what came back. It returns the
// peer's merkle index.
func (s *Syncer) round(ctx context.Context, res *Result, outgoing []message.Message) (*merkle.Trie, error) {
	clock := s.replica.Clock()
	req := &Request{
		GroupID:  s.groupID,
		ClientID: clock.Node(),
		Messages: outgoing,
		Merkle:   s.replica.Merkle(),
	}
	if req.Messages == nil {
		req.Messages = []message.Message{}
	}

	resp, err := s.transport.Exchange(ctx, req)
	if err != nil {
		if IsTransportError(err) || IsProtocolError(err) {
			return nil, err
		}
		return nil, networkFailure(err)
	}
	if resp == nil || resp.Merkle == nil {
		return nil, &ProtocolError{Reason: "response without merkle"}
	}
	res.Sent += len(outgoing)

	if len(resp.Messages) == 0 {
		return resp.Merkle, nil
	}

	for _, m := range resp.Messages {
		if _, err := clock.Recv(m.Timestamp); err != nil {
			return nil, fmt.Errorf("receive %s: %w", m.Timestamp, err)
		}
	}

	report, err := s.replica.Apply(ctx, resp.Messages)
	if err != nil {
		return nil, err
	}
	res.Received += len(resp.Messages)
	if report.Changed() {
		res.Changed = true
	}
	s.logger.Debug("applied remote messages", "group", s.groupID, "report", report.String())

	if err := report.Err(); err != nil {
		return nil, err
	}
	return resp.Merkle, nil
}
