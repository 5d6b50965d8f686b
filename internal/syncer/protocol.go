package syncer

import (
	"context"

	"github.com/danielstaleiny/CRDT-sqlite/internal/merkle"
	"github.com/danielstaleiny/CRDT-sqlite/internal/message"
)

// Request is one round of the sync exchange: the messages the client wants
// the peer to have and the client's merkle index after applying them.
type Request struct {
	GroupID  string            `json:"group_id"`
	ClientID string            `json:"client_id"`
	Messages []message.Message `json:"messages"`
	Merkle   *merkle.Trie      `json:"merkle"`
}

// Response carries the messages the peer believes the client is missing and
// the peer's merkle index.
type Response struct {
	Messages []message.Message `json:"messages"`
	Merkle   *merkle.Trie      `json:"merkle"`
}

// Notice is pushed on the change feed when a client of the group stored new
// messages.
type Notice struct {
	GroupID  string `json:"group_id"`
	ClientID string `json:"client_id"`
	Count    int    `json:"count"`
	Hash     uint64 `json:"hash"`
}

// Transport delivers a Request to a peer and returns its Response.
//
// Implementations return *TransportError for failures worth retrying and
// *ProtocolError when the peer rejected or garbled the exchange.
type Transport interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *Request) (*Response, error)

func (f TransportFunc) Exchange(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
