package merkle

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
)

const (
	nodeA = "aaaaaaaaaaaaaaaa"
	nodeB = "bbbbbbbbbbbbbbbb"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(offset time.Duration, counter uint16, node string) hlc.Timestamp {
	return hlc.New(uint64(epoch.Add(offset).UnixMilli()), counter, node)
}

func sampleHistory(rng *rand.Rand, n int) []hlc.Timestamp {
	out := make([]hlc.Timestamp, 0, n)
	for i := 0; i < n; i++ {
		node := nodeA
		if rng.Intn(2) == 1 {
			node = nodeB
		}
		offset := time.Duration(rng.Intn(72*60)) * time.Minute
		offset += time.Duration(rng.Intn(60_000)) * time.Millisecond
		out = append(out, at(offset, uint16(rng.Intn(4)), node))
	}
	return out
}

func TestTrie_EmptyHashIsZero(t *testing.T) {
	assert.Equal(t, uint64(0), New().Hash())
	_, differ := Diff(New(), New())
	assert.False(t, differ)
}

func TestTrie_InsertionOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	history := sampleHistory(rng, 200)

	want := Build(history).Hash()
	for i := 0; i < 10; i++ {
		shuffled := append([]hlc.Timestamp(nil), history...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		incremental := New()
		for _, ts := range shuffled {
			incremental.Insert(ts)
		}
		assert.Equal(t, want, incremental.Hash(), "permutation %d", i)
	}
}

func TestTrie_InsertIdempotent(t *testing.T) {
	tr := New()
	ts := at(time.Minute, 0, nodeA)

	assert.True(t, tr.Insert(ts))
	h := tr.Hash()
	assert.NotZero(t, h)

	assert.False(t, tr.Insert(ts))
	assert.Equal(t, h, tr.Hash(), "re-inserting must not cancel out")
	assert.Equal(t, 1, tr.Len())
}

func TestTrie_RemoveRestoresPreviousState(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	history := sampleHistory(rng, 50)
	tr := Build(history)
	before, err := json.Marshal(tr)
	require.NoError(t, err)

	extra := at(90*time.Hour, 0, nodeB)
	require.True(t, tr.Insert(extra))
	assert.NotEqual(t, Build(history).Hash(), tr.Hash())

	require.True(t, tr.Remove(extra))
	after, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
	assert.False(t, tr.Remove(extra))
}

func TestTrie_CloneIsIndependent(t *testing.T) {
	tr := Build([]hlc.Timestamp{at(0, 0, nodeA)})
	c := tr.Clone()
	assert.True(t, c.Equal(tr))
	c.Insert(at(time.Minute, 0, nodeA))

	assert.False(t, c.Equal(tr))
	assert.NotEqual(t, tr.Hash(), c.Hash())
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, 2, c.Len())
}

func TestDiff_FindsEarliestDivergence(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	shared := sampleHistory(rng, 100)

	for i := 0; i < 25; i++ {
		onlyA := sampleHistory(rng, 1+rng.Intn(3))
		onlyB := sampleHistory(rng, rng.Intn(3))

		a := Build(append(append([]hlc.Timestamp(nil), shared...), onlyA...))
		b := Build(append(append([]hlc.Timestamp(nil), shared...), onlyB...))

		earliest := onlyA[0]
		for _, ts := range append(onlyA, onlyB...) {
			if ts.Less(earliest) {
				earliest = ts
			}
		}

		bucket, differ := Diff(a, b)
		if a.Hash() == b.Hash() {
			continue
		}
		require.True(t, differ)
		assert.True(t, bucket.Timestamp().Compare(earliest) <= 0,
			"round %d: diff %s must not be after earliest divergent %s", i, bucket, earliest)

		// Symmetric.
		rev, _ := Diff(b, a)
		assert.Equal(t, bucket, rev)
	}
}

func TestDiff_ExactBucket(t *testing.T) {
	shared := []hlc.Timestamp{at(0, 0, nodeA), at(3*time.Minute, 0, nodeB)}
	a := Build(shared)
	b := Build(append(shared, at(5*time.Minute+30*time.Second, 2, nodeB)))

	bucket, differ := Diff(a, b)
	require.True(t, differ)
	assert.Equal(t, epoch.Add(5*time.Minute), bucket.Time())
}

func TestDiff_AgainstEmpty(t *testing.T) {
	ts := at(10*time.Minute, 0, nodeA)
	bucket, differ := Diff(New(), Build([]hlc.Timestamp{ts}))
	require.True(t, differ)
	assert.Equal(t, BucketOf(ts), bucket)
}

func TestDiff_NilTrie(t *testing.T) {
	ts := at(0, 0, nodeA)
	bucket, differ := Diff(nil, Build([]hlc.Timestamp{ts}))
	require.True(t, differ)
	assert.Equal(t, BucketOf(ts), bucket)
}

func TestDiff_ConvergesAfterExchange(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	histA := sampleHistory(rng, 40)
	histB := sampleHistory(rng, 40)

	a, b := Build(histA), Build(histB)
	bucket, differ := Diff(a, b)
	require.True(t, differ)

	// Exchanging everything at or after the diff point closes the gap.
	since := bucket.Timestamp()
	for _, ts := range histB {
		if ts.Compare(since) >= 0 {
			a.Insert(ts)
		}
	}
	for _, ts := range histA {
		if ts.Compare(since) >= 0 {
			b.Insert(ts)
		}
	}
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestBucket_Path(t *testing.T) {
	b := BucketOf(at(0, 0, nodeA))
	key := b.key()
	assert.Equal(t, b, bucketFromPath(key[:]))

	// A partial path is padded with zeros.
	assert.Equal(t, Bucket(0), bucketFromPath(nil))
	assert.Equal(t, Bucket(2*maxBuckets/3), bucketFromPath([]uint8{2}))
}
