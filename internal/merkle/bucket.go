package merkle

import (
	"time"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
)

const (
	// Base is the radix of the trie: every node has up to Base children.
	Base = 3

	// Depth is the number of base-3 digits in a bucket key. 3^17 minutes is
	// roughly 245 years past the unix epoch.
	Depth = 17

	// BucketWidth is the time span covered by one leaf.
	BucketWidth = time.Minute
)

var bucketMillis = uint64(BucketWidth / time.Millisecond)

// maxBuckets is Base^Depth. Keys are taken modulo this value.
var maxBuckets = func() uint64 {
	n := uint64(1)
	for i := 0; i < Depth; i++ {
		n *= Base
	}
	return n
}()

// Bucket identifies a one-minute window of history (minutes since the unix epoch).
type Bucket uint64

// BucketOf returns the bucket a timestamp falls into.
func BucketOf(ts hlc.Timestamp) Bucket {
	return Bucket(ts.Millis / bucketMillis)
}

// Timestamp returns the smallest timestamp inside the bucket. Every message
// in this bucket or a later one compares >= to it.
func (b Bucket) Timestamp() hlc.Timestamp {
	return hlc.Floor(uint64(b) * bucketMillis)
}

// Time returns the start of the bucket.
func (b Bucket) Time() time.Time {
	return b.Timestamp().Time()
}

// String renders the bucket start in RFC 3339.
func (b Bucket) String() string {
	return b.Time().Format(time.RFC3339)
}

// key returns the fixed-width base-3 path of the bucket.
func (b Bucket) key() [Depth]uint8 {
	var digits [Depth]uint8
	n := uint64(b) % maxBuckets
	for i := Depth - 1; i >= 0; i-- {
		digits[i] = uint8(n % Base)
		n /= Base
	}
	return digits
}

// bucketFromPath converts a (possibly partial) path of digits into the bucket
// at the start of that subtree by padding the remaining digits with zeros.
func bucketFromPath(path []uint8) Bucket {
	var n uint64
	for i := 0; i < Depth; i++ {
		n *= Base
		if i < len(path) {
			n += uint64(path[i])
		}
	}
	return Bucket(n)
}
