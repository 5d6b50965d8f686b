package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/memstore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/testutil"
)

const (
	nodeA    = "aaaaaaaaaaaaaaaa"
	nodeB    = "bbbbbbbbbbbbbbbb"
	nodePeer = "eeeeeeeeeeeeeeee"
	group    = "group-1"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openReplica(t *testing.T, node string, wall *testutil.ManualClock) *crdt.Store {
	t.Helper()
	s, err := crdt.Open(context.Background(), memstore.New(),
		crdt.WithNodeID(node),
		crdt.WithClockOptions(hlc.WithNow(wall.Now)),
		crdt.WithLogger(discardLogger()),
	)
	require.NoError(t, err)
	return s
}

// peer answers like a sync server: it stores what it is sent and returns
// everything from the divergence point on that the client did not author.
type peer struct {
	store *crdt.Store
	calls atomic.Int32
}

func (p *peer) Exchange(ctx context.Context, req *Request) (*Response, error) {
	p.calls.Add(1)
	if _, err := p.store.Apply(ctx, req.Messages); err != nil {
		return nil, err
	}
	local := p.store.Merkle()
	resp := &Response{Messages: []message.Message{}, Merkle: local}

	diff, diverged := merkle.Diff(local, req.Merkle)
	if !diverged {
		return resp, nil
	}
	msgs, err := p.store.MessagesSince(ctx, diff.Timestamp())
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if m.Timestamp.Node != req.ClientID {
			resp.Messages = append(resp.Messages, m)
		}
	}
	return resp, nil
}

func newPeer(t *testing.T, wall *testutil.ManualClock) *peer {
	return &peer{store: openReplica(t, nodePeer, wall)}
}

func rowsOf(t *testing.T, s *crdt.Store) []crdt.Row {
	t.Helper()
	rows, err := s.Rows(context.Background(), "todos", crdt.ReadAll)
	require.NoError(t, err)
	return rows
}

func TestSync_TwoOfflineReplicasConverge(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(epoch)
	server := newPeer(t, wall)

	a := openReplica(t, nodeA, wall)
	b := openReplica(t, nodeB, wall)

	_, pendingA, err := a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("milk")})
	require.NoError(t, err)
	wall.Advance(2 * time.Minute)
	_, pendingB, err := b.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("eggs")})
	require.NoError(t, err)

	sa := New(a, server, group, WithLogger(discardLogger()))
	sb := New(b, server, group, WithLogger(discardLogger()))

	_, err = sa.Sync(ctx, pendingA)
	require.NoError(t, err)
	res, err := sb.Sync(ctx, pendingB)
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, 1, res.Received)

	// a learns about b's row on its next sync.
	res, err = sa.Sync(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	assert.Equal(t, a.MerkleHash(), b.MerkleHash())
	assert.Equal(t, a.MerkleHash(), server.store.MerkleHash())
	assert.Equal(t, rowsOf(t, a), rowsOf(t, b))
	assert.Len(t, rowsOf(t, a), 2)
}

func TestSync_ConflictingEditsResolveToLatest(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(epoch)
	server := newPeer(t, wall)
	a := openReplica(t, nodeA, wall)
	b := openReplica(t, nodeB, wall)
	sa := New(a, server, group, WithLogger(discardLogger()))
	sb := New(b, server, group, WithLogger(discardLogger()))

	id, msgs, err := a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("draft")})
	require.NoError(t, err)
	_, err = sa.Sync(ctx, msgs)
	require.NoError(t, err)
	_, err = sb.Sync(ctx, nil)
	require.NoError(t, err)

	wall.Advance(time.Second)
	msgsA, err := a.UpdateRow(ctx, "todos", id, crdt.Fields{"name": message.Text("from a")})
	require.NoError(t, err)
	wall.Advance(time.Second)
	msgsB, err := b.UpdateRow(ctx, "todos", id, crdt.Fields{"name": message.Text("from b")})
	require.NoError(t, err)

	// Push order must not matter: b's edit is later.
	_, err = sb.Sync(ctx, msgsB)
	require.NoError(t, err)
	_, err = sa.Sync(ctx, msgsA)
	require.NoError(t, err)
	_, err = sb.Sync(ctx, nil)
	require.NoError(t, err)

	rowA, err := a.Row(ctx, "todos", id)
	require.NoError(t, err)
	rowB, err := b.Row(ctx, "todos", id)
	require.NoError(t, err)
	assert.Equal(t, "from b", rowA.Text("name"))
	assert.Equal(t, "from b", rowB.Text("name"))
}

func TestSync_RecoversMessagesNeverPushed(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(epoch)
	server := newPeer(t, wall)
	a := openReplica(t, nodeA, wall)

	// Written locally but the pending queue was lost.
	for i := 0; i < 3; i++ {
		_, _, err := a.InsertRow(ctx, "todos", crdt.Fields{"order": message.Number(float64(i))})
		require.NoError(t, err)
		wall.Advance(7 * time.Minute)
	}

	s := New(a, server, group, WithLogger(discardLogger()))
	res, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Greater(t, res.Rounds, 1)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, a.MerkleHash(), server.store.MerkleHash())
}

func TestSync_DisabledIsNoop(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	server := newPeer(t, wall)
	s := New(openReplica(t, nodeA, wall), server, group, WithLogger(discardLogger()))
	s.SetEnabled(false)
	assert.False(t, s.Enabled())

	res, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, server.calls.Load())
}

func TestSync_OverlappingCallsCoalesce(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	server := newPeer(t, wall)
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		close(entered)
		<-release
		return server.Exchange(ctx, req)
	})
	s := New(openReplica(t, nodeA, wall), blocking, group, WithLogger(discardLogger()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Sync(context.Background(), nil)
		done <- err
	}()
	<-entered
	assert.True(t, s.Running())

	res, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, s.Running())
}

func TestSync_TransportFailure(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	failing := TransportFunc(func(context.Context, *Request) (*Response, error) {
		return nil, errors.New("connection refused")
	})
	s := New(openReplica(t, nodeA, wall), failing, group, WithLogger(discardLogger()))

	_, err := s.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ReasonNetworkFailure, te.Reason)
}

func TestSync_MissingMerkleIsProtocolError(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	bad := TransportFunc(func(context.Context, *Request) (*Response, error) {
		return &Response{}, nil
	})
	s := New(openReplica(t, nodeA, wall), bad, group, WithLogger(discardLogger()))

	_, err := s.Sync(context.Background(), nil)
	assert.True(t, IsProtocolError(err))
}

// stuckTransport claims to hold a timestamp the client can never receive.
func stuckTransport() Transport {
	phantom := merkle.Build([]hlc.Timestamp{hlc.New(uint64(epoch.UnixMilli()), 0, nodeB)})
	return TransportFunc(func(context.Context, *Request) (*Response, error) {
		return &Response{Messages: []message.Message{}, Merkle: phantom}, nil
	})
}

func TestSync_NonConvergenceIsProtocolError(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	s := New(openReplica(t, nodeA, wall), stuckTransport(), group, WithLogger(discardLogger()))

	res, err := s.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, 2, res.Rounds)
}

func TestSync_MaxRoundsBound(t *testing.T) {
	wall := testutil.NewManualClock(epoch)
	s := New(openReplica(t, nodeA, wall), stuckTransport(), group,
		WithMaxRounds(1), WithLogger(discardLogger()))

	res, err := s.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, IsProtocolError(err))
	assert.Contains(t, err.Error(), "no convergence")
	assert.Equal(t, 1, res.Rounds)
}

func TestSync_SinceSendsLoggedMessages(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(epoch)
	a := openReplica(t, nodeA, wall)
	_, _, err := a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("old")})
	require.NoError(t, err)
	wall.Advance(time.Hour)
	_, _, err = a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("new")})
	require.NoError(t, err)

	var rounds [][]message.Message
	server := newPeer(t, wall)
	recording := TransportFunc(func(ctx context.Context, req *Request) (*Response, error) {
		rounds = append(rounds, req.Messages)
		return server.Exchange(ctx, req)
	})
	s := New(a, recording, group, WithLogger(discardLogger()))

	res, err := s.SyncSince(ctx, merkle.BucketOf(hlc.Floor(uint64(epoch.Add(30*time.Minute).UnixMilli()))))
	require.NoError(t, err)
	require.Len(t, rounds, 2)
	require.Len(t, rounds[0], 1)
	assert.True(t, rounds[0][0].Value.Equal(message.Text("new")))

	// The peer's merkle exposes the older divergence, so round two widens.
	assert.Len(t, rounds[1], 2)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, a.MerkleHash(), server.store.MerkleHash())
}

func TestSync_RemoteClockDriftIsRejected(t *testing.T) {
	ctx := context.Background()
	wall := testutil.NewManualClock(epoch)
	a := openReplica(t, nodeA, wall)

	future := message.Message{
		Dataset:   "todos",
		Row:       "r1",
		Column:    "name",
		Value:     message.Text("from the future"),
		Timestamp: hlc.New(uint64(epoch.Add(time.Hour).UnixMilli()), 0, nodeB),
	}
	transport := TransportFunc(func(context.Context, *Request) (*Response, error) {
		return &Response{Messages: []message.Message{future}, Merkle: merkle.Build([]hlc.Timestamp{future.Timestamp})}, nil
	})
	s := New(a, transport, group, WithLogger(discardLogger()))

	_, err := s.Sync(ctx, nil)
	require.Error(t, err)
	assert.True(t, hlc.IsClockDrift(err))

	n, err := a.CountMessages(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
