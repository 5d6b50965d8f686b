package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/memstore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(discardLogger())
	relay := NewRelay(NewMemoryStore(), hub, discardLogger())
	srv := httptest.NewServer(NewRouter(relay, hub, discardLogger()))
	t.Cleanup(srv.Close)
	return srv, hub
}

func openReplica(t *testing.T, node string) *crdt.Store {
	t.Helper()
	s, err := crdt.Open(context.Background(), memstore.New(),
		crdt.WithNodeID(node), crdt.WithLogger(discardLogger()))
	require.NoError(t, err)
	return s
}

func TestHTTP_ReplicasConvergeThroughServer(t *testing.T) {
	ctx := context.Background()
	srv, _ := newTestServer(t)

	a := openReplica(t, nodeA)
	b := openReplica(t, nodeB)
	sa := syncer.New(a, syncer.NewHTTPTransport(srv.URL, time.Second, syncer.WithTransportLogger(discardLogger())),
		group, syncer.WithLogger(discardLogger()))
	sb := syncer.New(b, syncer.NewHTTPTransport(srv.URL, time.Second, syncer.WithTransportLogger(discardLogger())),
		group, syncer.WithLogger(discardLogger()))

	id, pending, err := a.InsertRow(ctx, "todos", crdt.Fields{
		"name":  message.Text("milk"),
		"order": message.Number(0),
	})
	require.NoError(t, err)
	_, err = sa.Sync(ctx, pending)
	require.NoError(t, err)

	res, err := sb.Sync(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Changed)

	row, err := b.Row(ctx, "todos", id)
	require.NoError(t, err)
	assert.Equal(t, "milk", row.Text("name"))
	assert.Equal(t, a.MerkleHash(), b.MerkleHash())
}

func TestHTTP_InstancesSharingStoreConverge(t *testing.T) {
	ctx := context.Background()
	gs := NewMemoryStore()
	var urls []string
	for range 2 {
		relay := NewRelay(gs, nil, discardLogger())
		srv := httptest.NewServer(NewRouter(relay, NewHub(discardLogger()), discardLogger()))
		t.Cleanup(srv.Close)
		urls = append(urls, srv.URL)
	}
	newSyncer := func(s *crdt.Store, url string) *syncer.Syncer {
		return syncer.New(s, syncer.NewHTTPTransport(url, time.Second, syncer.WithTransportLogger(discardLogger())),
			group, syncer.WithLogger(discardLogger()))
	}

	a := openReplica(t, nodeA)
	b := openReplica(t, nodeB)

	_, err := newSyncer(b, urls[1]).Sync(ctx, nil)
	require.NoError(t, err)

	id, pending, err := a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("milk")})
	require.NoError(t, err)
	_, err = newSyncer(a, urls[0]).Sync(ctx, pending)
	require.NoError(t, err)

	_, err = newSyncer(b, urls[1]).Sync(ctx, nil)
	require.NoError(t, err)
	row, err := b.Row(ctx, "todos", id)
	require.NoError(t, err)
	assert.Equal(t, "milk", row.Text("name"))

	_, err = newSyncer(a, urls[1]).Sync(ctx, nil)
	require.NoError(t, err, "a reaches the other instance without a protocol error")
	assert.Equal(t, a.MerkleHash(), b.MerkleHash())
}

func TestHTTP_RequestIDEchoed(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(syncer.Request{GroupID: group, ClientID: nodeA, Messages: []message.Message{}, Merkle: trieOf()})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/sync", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(syncer.RequestIDHeader, "trace-me")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-me", resp.Header.Get(syncer.RequestIDHeader))
}

func TestHTTP_BadRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/sync", "application/json", bytes.NewReader([]byte(`{"group_id":""}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(syncer.RequestIDHeader))

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Contains(t, payload["error"], "group_id")
}

func TestHTTP_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTP_WatchNotifiesOtherClients(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, hub := newTestServer(t)

	notices := make(chan syncer.Notice, 4)
	watchB := syncer.NewWatcher(srv.URL, group, nodeB, discardLogger())
	go watchB.Watch(ctx, func(n syncer.Notice) { notices <- n })
	watchA := syncer.NewWatcher(srv.URL, group, nodeA, discardLogger())
	go watchA.Watch(ctx, func(n syncer.Notice) {
		t.Errorf("writer notified of its own push: %+v", n)
	})

	require.Eventually(t, func() bool { return hub.Subscribers(group) == 2 },
		2*time.Second, 10*time.Millisecond)

	a := openReplica(t, nodeA)
	sa := syncer.New(a, syncer.NewHTTPTransport(srv.URL, time.Second, syncer.WithTransportLogger(discardLogger())),
		group, syncer.WithLogger(discardLogger()))
	_, pending, err := a.InsertRow(ctx, "todos", crdt.Fields{"name": message.Text("milk")})
	require.NoError(t, err)
	_, err = sa.Sync(ctx, pending)
	require.NoError(t, err)

	select {
	case n := <-notices:
		assert.Equal(t, group, n.GroupID)
		assert.Equal(t, nodeA, n.ClientID)
		assert.Equal(t, 1, n.Count)
		assert.Equal(t, a.MerkleHash(), n.Hash)
	case <-ctx.Done():
		t.Fatal("watcher was not notified")
	}
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(NewMemoryStore(), NewHub(discardLogger()), discardLogger())

	ln, err := newLocalListener()
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	transport := syncer.NewHTTPTransport("http://"+ln.Addr().String(), time.Second,
		syncer.WithTransportLogger(discardLogger()))
	_, err = transport.Exchange(context.Background(), &syncer.Request{
		GroupID: group, ClientID: nodeA, Messages: []message.Message{}, Merkle: trieOf(),
	})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestPostgresStore_RoundTrip(t *testing.T) {
	url := os.Getenv("CRDT_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CRDT_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	g := "pg-" + hlc.NewNodeID()
	m := msg(0, nodeA, "r1", "name", message.Text("café"))
	added, err := s.AddMessages(ctx, g, []message.Message{m, m})
	require.NoError(t, err)
	assert.Len(t, added, 1)

	got, err := s.MessagesSince(ctx, g, hlc.Timestamp{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Value.Equal(m.Value))

	ts, err := s.Timestamps(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, []hlc.Timestamp{m.Timestamp}, ts)
}
