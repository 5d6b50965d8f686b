// Package syncer reconciles a replica with a peer.
//
// A sync is a sequence of request/response rounds. Each request carries the
// messages the peer may be missing and the replica's merkle index; each
// response carries the messages the replica may be missing and the peer's
// index. After applying the response the replica diffs the two indexes: equal
// roots end the sync, otherwise the next round resends everything logged from
// the earliest divergent bucket on. A round that fails to move the divergence
// point, or too many rounds, is a ProtocolError.
package syncer
