package syncer

import (
	"errors"
	"fmt"
)

// ReasonNetworkFailure is the TransportError reason for an unreachable or
// failing peer.
const ReasonNetworkFailure = "network-failure"

// TransportError is a transient failure of the exchange. The replica is
// unchanged for the failed round and the sync can be retried.
type TransportError struct {
	Reason string
	// Status is the HTTP status when the peer answered, 0 otherwise.
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Reason, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func networkFailure(err error) *TransportError {
	return &TransportError{Reason: ReasonNetworkFailure, Err: err}
}

// ProtocolError means the peers cannot converge by retrying: the peer
// rejected the request, answered with garbage, or the rounds did not narrow
// the divergence.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sync protocol: %s: %v", e.Reason, e.Err)
	}
	return "sync protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsProtocolError reports whether err is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
