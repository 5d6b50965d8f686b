package replica

import (
	"context"
	"errors"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// ErrNoTransport is returned by Sync on a replica opened without a peer.
var ErrNoTransport = errors.New("replica has no sync transport")

// IsFatal reports whether err should stop background syncing. Transport
// failures and cancellations are retried; protocol violations, refused
// messages and clock faults are not, since retrying reproduces them.
func IsFatal(err error) bool {
	switch {
	case err == nil:
		return false
	case syncer.IsTransportError(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case syncer.IsProtocolError(err),
		crdt.IsStorageError(err),
		hlc.IsClockDrift(err),
		hlc.IsDuplicateNode(err),
		hlc.IsCounterOverflow(err),
		errors.Is(err, ErrNoTransport):
		return true
	}
	return false
}
