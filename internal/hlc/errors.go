package hlc

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes clock errors.
type ErrorCode string

const (
	// ErrCodeClockDrift indicates physical clocks disagree beyond tolerance.
	ErrCodeClockDrift ErrorCode = "CLOCK_DRIFT"

	// ErrCodeDuplicateNode indicates two processes share one node id.
	ErrCodeDuplicateNode ErrorCode = "DUPLICATE_NODE"

	// ErrCodeCounterOverflow indicates more than MaxCounter events in one millisecond.
	ErrCodeCounterOverflow ErrorCode = "COUNTER_OVERFLOW"
)

// ClockDriftError is returned when a timestamp is further ahead of the local
// wall clock than the configured tolerance. The clock state is left untouched.
type ClockDriftError struct {
	// Observed is the physical time (unix millis) that was rejected.
	Observed uint64

	// Physical is the local wall clock at the time of the check.
	Physical uint64

	// MaxDrift is the configured tolerance.
	MaxDrift time.Duration

	// Remote is true when the offending time came from a peer (Recv).
	Remote bool
}

func (e *ClockDriftError) Error() string {
	source := "local"
	if e.Remote {
		source = "remote"
	}
	return fmt.Sprintf("%s: %s time %d is %s ahead of wall clock %d (max %s)",
		ErrCodeClockDrift, source, e.Observed,
		time.Duration(e.Observed-e.Physical)*time.Millisecond, e.Physical, e.MaxDrift)
}

// DuplicateNodeError is returned when a peer presents a timestamp carrying
// this replica's own node id that this replica never produced.
type DuplicateNodeError struct {
	Node   string
	Remote Timestamp
	Local  Timestamp
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("%s: node %s observed at %s but local clock is %s",
		ErrCodeDuplicateNode, e.Node, e.Remote, e.Local)
}

// CounterOverflowError is returned when the logical counter would exceed MaxCounter.
type CounterOverflowError struct {
	Millis uint64
}

func (e *CounterOverflowError) Error() string {
	return fmt.Sprintf("%s: counter exhausted at millis %d", ErrCodeCounterOverflow, e.Millis)
}

// IsClockDrift reports whether err is (or wraps) a ClockDriftError.
func IsClockDrift(err error) bool {
	var e *ClockDriftError
	return errors.As(err, &e)
}

// IsDuplicateNode reports whether err is (or wraps) a DuplicateNodeError.
func IsDuplicateNode(err error) bool {
	var e *DuplicateNodeError
	return errors.As(err, &e)
}

// IsCounterOverflow reports whether err is (or wraps) a CounterOverflowError.
func IsCounterOverflow(err error) bool {
	var e *CounterOverflowError
	return errors.As(err, &e)
}
