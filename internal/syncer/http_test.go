package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

func testRequest() *Request {
	ts := hlc.New(uint64(epoch.UnixMilli()), 0, nodeA)
	return &Request{
		GroupID:  group,
		ClientID: nodeA,
		Messages: []message.Message{{
			Dataset: "todos", Row: "r1", Column: "name",
			Value: message.Text("milk"), Timestamp: ts,
		}},
		Merkle: merkle.Build([]hlc.Timestamp{ts}),
	}
}

func TestHTTPTransport_Exchange(t *testing.T) {
	req := testRequest()
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotID = r.Header.Get(RequestIDHeader)

		var in Request
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&in)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		assert.Equal(t, group, in.GroupID)
		assert.Equal(t, nodeA, in.ClientID)
		assert.Len(t, in.Messages, 1)
		assert.Equal(t, req.Merkle.Hash(), in.Merkle.Hash())

		json.NewEncoder(w).Encode(Response{Messages: []message.Message{}, Merkle: in.Merkle})
	}))
	defer srv.Close()

	tr := NewHTTPTransport(srv.URL+"/", time.Second, WithTransportLogger(discardLogger()))
	assert.Equal(t, srv.URL, tr.Endpoint())

	resp, err := tr.Exchange(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, resp.Messages)
	assert.Equal(t, req.Merkle.Hash(), resp.Merkle.Hash())

	_, err = ulid.ParseStrict(gotID)
	assert.NoError(t, err, "request id %q", gotID)
}

func TestHTTPTransport_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"draining"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, time.Second, WithTransportLogger(discardLogger())).
		Exchange(context.Background(), testRequest())
	require.Error(t, err)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ReasonNetworkFailure, te.Reason)
	assert.Equal(t, http.StatusServiceUnavailable, te.Status)
	assert.Contains(t, err.Error(), "draining")
}

func TestHTTPTransport_ClientErrorIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, time.Second, WithTransportLogger(discardLogger())).
		Exchange(context.Background(), testRequest())
	assert.True(t, IsProtocolError(err))
	assert.False(t, IsTransportError(err))
}

func TestHTTPTransport_GarbageIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":`))
	}))
	defer srv.Close()

	_, err := NewHTTPTransport(srv.URL, time.Second, WithTransportLogger(discardLogger())).
		Exchange(context.Background(), testRequest())
	assert.True(t, IsProtocolError(err))
}

func TestHTTPTransport_UnreachableIsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPTransport(url, time.Second, WithTransportLogger(discardLogger())).
		Exchange(context.Background(), testRequest())
	assert.True(t, IsTransportError(err))
}

func TestHTTPTransport_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewHTTPTransport(srv.URL, 50*time.Millisecond, WithTransportLogger(discardLogger())).
		Exchange(context.Background(), testRequest())
	assert.True(t, IsTransportError(err))
}
