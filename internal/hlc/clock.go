package hlc

import (
	"sync"
	"time"
)

// DefaultMaxDrift is the tolerated distance between a timestamp's physical
// component and the local wall clock.
const DefaultMaxDrift = 60 * time.Second

// Clock is a hybrid logical clock: wall time plus a logical counter.
//
// Every timestamp returned by Send is strictly greater than every timestamp
// previously sent or received by this clock. The last timestamp never moves
// backwards, even when the wall clock does.
//
// Thread-safety: Clock is safe for concurrent use. The replica engine still
// serializes calls so that stamping and applying a batch happen together.
type Clock struct {
	mu       sync.Mutex
	last     Timestamp
	node     string
	now      func() time.Time
	maxDrift time.Duration
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the wall clock. Tests use this to simulate skew.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// WithMaxDrift sets the drift tolerance (default DefaultMaxDrift).
func WithMaxDrift(d time.Duration) Option {
	return func(c *Clock) {
		c.maxDrift = d
	}
}

// NewClock creates a clock for node starting at the zero timestamp.
func NewClock(node string, opts ...Option) *Clock {
	return NewClockAt(Timestamp{Node: node}, opts...)
}

// NewClockAt resumes a clock from a persisted last timestamp. The node id is
// taken from last.
func NewClockAt(last Timestamp, opts ...Option) *Clock {
	c := &Clock{
		last:     last,
		node:     last.Node,
		now:      time.Now,
		maxDrift: DefaultMaxDrift,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Node returns this clock's node id.
func (c *Clock) Node() string {
	return c.node
}

// Last returns the most recent timestamp sent or received.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// MaxDrift returns the configured tolerance.
func (c *Clock) MaxDrift() time.Duration {
	return c.maxDrift
}

// Send produces a timestamp for a local event.
func (c *Clock) Send() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physical()
	lOld := c.last.Millis
	cOld := uint32(c.last.Counter)

	lNew := max(lOld, phys)
	var cNew uint32
	if lNew == lOld {
		cNew = cOld + 1
	}

	if err := c.checkDrift(lNew, phys, false); err != nil {
		return Timestamp{}, err
	}
	if cNew > MaxCounter {
		return Timestamp{}, &CounterOverflowError{Millis: lNew}
	}

	c.last = Timestamp{Millis: lNew, Counter: uint16(cNew), Node: c.node}
	return c.last, nil
}

// Recv merges a timestamp observed from a peer and returns the new local
// timestamp. Subsequent Send calls sort after remote.
func (c *Clock) Recv(remote Timestamp) (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := c.physical()
	if err := c.checkDrift(remote.Millis, phys, true); err != nil {
		return Timestamp{}, err
	}

	// Our own timestamps echoed back are fine; a newer one means someone
	// else is minting events under our identity.
	if remote.Node == c.node && remote.After(c.last) {
		return Timestamp{}, &DuplicateNodeError{Node: c.node, Remote: remote, Local: c.last}
	}

	lOld := c.last.Millis
	cOld := uint32(c.last.Counter)
	lMsg := remote.Millis
	cMsg := uint32(remote.Counter)

	lNew := max(lOld, phys, lMsg)
	var cNew uint32
	switch {
	case lNew == lOld && lNew == lMsg:
		cNew = max(cOld, cMsg) + 1
	case lNew == lOld:
		cNew = cOld + 1
	case lNew == lMsg:
		cNew = cMsg + 1
	}

	if err := c.checkDrift(lNew, phys, false); err != nil {
		return Timestamp{}, err
	}
	if cNew > MaxCounter {
		return Timestamp{}, &CounterOverflowError{Millis: lNew}
	}

	c.last = Timestamp{Millis: lNew, Counter: uint16(cNew), Node: c.node}
	return c.last, nil
}

func (c *Clock) physical() uint64 {
	ms := c.now().UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

func (c *Clock) checkDrift(observed, phys uint64, remote bool) error {
	if observed <= phys {
		return nil
	}
	if time.Duration(observed-phys)*time.Millisecond > c.maxDrift {
		return &ClockDriftError{Observed: observed, Physical: phys, MaxDrift: c.maxDrift, Remote: remote}
	}
	return nil
}
