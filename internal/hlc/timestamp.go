package hlc

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// NodeLen is the fixed length of a node id: 16 lowercase hex characters.
	NodeLen = 16

	// MaxCounter is the largest logical counter value a timestamp can carry.
	MaxCounter = 0xFFFF

	millisWidth  = 16
	counterWidth = 4

	// encodedLen is the length of the canonical string form:
	// 16 hex millis + '-' + 4 hex counter + '-' + 16 hex node.
	encodedLen = millisWidth + 1 + counterWidth + 1 + NodeLen
)

// MinNode sorts before every real node id.
const MinNode = "0000000000000000"

// Timestamp is a hybrid logical clock reading.
//
// The canonical string form is fixed-width, zero-padded hex, so comparing two
// encoded timestamps as strings gives the same answer as Compare. Storage
// backends rely on this to keep the message log ordered by time.
type Timestamp struct {
	Millis  uint64
	Counter uint16
	Node    string
}

// New creates a timestamp. The node id is not validated; use Parse for
// untrusted input.
func New(millis uint64, counter uint16, node string) Timestamp {
	return Timestamp{Millis: millis, Counter: counter, Node: node}
}

// Floor returns the smallest possible timestamp at the given physical time.
// Used to turn a time bucket into a scan boundary.
func Floor(millis uint64) Timestamp {
	return Timestamp{Millis: millis, Node: MinNode}
}

// String returns the canonical sortable encoding.
func (t Timestamp) String() string {
	return fmt.Sprintf("%016x-%04x-%s", t.Millis, t.Counter, t.Node)
}

// Time returns the physical component as a time.Time.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(int64(t.Millis)).UTC()
}

// IsZero reports whether t is the zero value.
func (t Timestamp) IsZero() bool {
	return t == Timestamp{}
}

// Compare orders by millis, then counter, then node id.
func (t Timestamp) Compare(o Timestamp) int {
	if c := cmp.Compare(t.Millis, o.Millis); c != 0 {
		return c
	}
	if c := cmp.Compare(t.Counter, o.Counter); c != 0 {
		return c
	}
	return strings.Compare(t.Node, o.Node)
}

// Less reports whether t sorts before o.
func (t Timestamp) Less(o Timestamp) bool {
	return t.Compare(o) < 0
}

// After reports whether t sorts after o.
func (t Timestamp) After(o Timestamp) bool {
	return t.Compare(o) > 0
}

// MarshalText implements encoding.TextMarshaler so timestamps travel as their
// canonical string in JSON.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Timestamp) UnmarshalText(data []byte) error {
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Parse decodes the canonical string form.
func Parse(s string) (Timestamp, error) {
	if len(s) != encodedLen {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: want %d characters, got %d", s, encodedLen, len(s))
	}
	if s[millisWidth] != '-' || s[millisWidth+1+counterWidth] != '-' {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: malformed separators", s)
	}

	millisPart := s[:millisWidth]
	counterPart := s[millisWidth+1 : millisWidth+1+counterWidth]
	node := s[millisWidth+1+counterWidth+1:]

	if !isLowerHex(millisPart) || !isLowerHex(counterPart) {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: non-hex digits", s)
	}
	millis, err := strconv.ParseUint(millisPart, 16, 64)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: millis: %w", s, err)
	}
	counter, err := strconv.ParseUint(counterPart, 16, 16)
	if err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: counter: %w", s, err)
	}
	if err := ValidateNode(node); err != nil {
		return Timestamp{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}

	return Timestamp{Millis: millis, Counter: uint16(counter), Node: node}, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or with known-good input.
func MustParse(s string) Timestamp {
	ts, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return ts
}

// ValidateNode checks that node is 16 lowercase hex characters.
func ValidateNode(node string) error {
	if len(node) != NodeLen {
		return fmt.Errorf("node id %q: want %d characters, got %d", node, NodeLen, len(node))
	}
	if !isLowerHex(node) {
		return fmt.Errorf("node id %q: must be lowercase hex", node)
	}
	return nil
}

// NewNodeID returns a fresh random node id: the last 16 hex digits of a v4 UUID.
func NewNodeID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return hex[len(hex)-NodeLen:]
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
