// Package merkle implements the anti-entropy index: a base-3 trie keyed by the
// minute bucket of each message timestamp.
//
// Every node carries the XOR of xxhash64(timestamp) over all timestamps in its
// subtree. XOR is commutative and associative, so two tries holding the same
// set of timestamps have the same root hash no matter the insertion order.
// Two replicas compare tries top-down with Diff to find the earliest minute
// where their histories disagree, and only re-exchange messages from there on.
package merkle

import (
	"github.com/cespare/xxhash/v2"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
)

// Trie is the merkle index. The zero value is not usable; call New.
//
// Tries decoded from JSON are summaries: they carry hashes but not leaf
// membership, so they are only meant to be compared with Diff.
//
// Thread-safety: Trie is not safe for concurrent mutation. The owner (the
// replica's message store) serializes access.
type Trie struct {
	root  *node
	count int
}

type node struct {
	hash     uint64
	children [Base]*node

	// members holds the timestamp hashes stored at a leaf. Nil above the
	// leaf level and in decoded summaries.
	members map[uint64]struct{}
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root: &node{}}
}

// Build constructs a trie from a set of timestamps. Duplicates are ignored.
func Build(timestamps []hlc.Timestamp) *Trie {
	t := New()
	for _, ts := range timestamps {
		t.Insert(ts)
	}
	return t
}

// Hash returns the root hash. Empty tries hash to zero.
func (t *Trie) Hash() uint64 {
	if t == nil || t.root == nil {
		return 0
	}
	return t.root.hash
}

// Len returns the number of timestamps inserted into this trie. Decoded
// summaries report zero.
func (t *Trie) Len() int {
	return t.count
}

// Insert indexes ts. Only the nodes along the bucket's path are touched.
// Returns false (and leaves the trie unchanged) if ts was already present.
func (t *Trie) Insert(ts hlc.Timestamp) bool {
	h := hashTimestamp(ts)
	key := BucketOf(ts).key()

	path := make([]*node, 0, Depth+1)
	n := t.root
	path = append(path, n)
	for _, d := range key {
		if n.children[d] == nil {
			n.children[d] = &node{}
		}
		n = n.children[d]
		path = append(path, n)
	}

	if n.members == nil {
		n.members = make(map[uint64]struct{})
	}
	if _, ok := n.members[h]; ok {
		return false
	}
	n.members[h] = struct{}{}

	for _, p := range path {
		p.hash ^= h
	}
	t.count++
	return true
}

// Remove reverses a previous Insert. Used to roll back the index when the
// storage transaction that carried the insert fails. Returns false if ts was
// not present.
func (t *Trie) Remove(ts hlc.Timestamp) bool {
	h := hashTimestamp(ts)
	key := BucketOf(ts).key()

	path := make([]*node, 0, Depth+1)
	n := t.root
	path = append(path, n)
	for _, d := range key {
		n = n.children[d]
		if n == nil {
			return false
		}
		path = append(path, n)
	}

	if _, ok := n.members[h]; !ok {
		return false
	}
	delete(n.members, h)

	for _, p := range path {
		p.hash ^= h
	}
	t.count--

	// Prune empty nodes bottom-up so the shape matches a trie that never
	// saw the timestamp.
	for i := len(path) - 1; i > 0; i-- {
		if !path[i].empty() {
			break
		}
		path[i-1].children[key[i-1]] = nil
	}
	return true
}

// Clone returns a deep copy.
func (t *Trie) Clone() *Trie {
	return &Trie{root: t.root.clone(), count: t.count}
}

// Equal reports whether both tries summarize the same history.
func (t *Trie) Equal(o *Trie) bool {
	return t.Hash() == o.Hash()
}

// Diff walks a and b top-down and returns the bucket at the start of the
// deepest subtree where they first disagree. At every level the lowest
// mismatching child is followed, so the bucket is at or before the earliest
// timestamp present in one trie but not the other. Returns false when the
// roots match.
func Diff(a, b *Trie) (Bucket, bool) {
	if a.Hash() == b.Hash() {
		return 0, false
	}

	var na, nb *node
	if a != nil {
		na = a.root
	}
	if b != nil {
		nb = b.root
	}

	path := make([]uint8, 0, Depth)
	for len(path) < Depth {
		next := -1
		for d := 0; d < Base; d++ {
			if na.child(d).hashValue() != nb.child(d).hashValue() {
				next = d
				break
			}
		}
		if next < 0 {
			// Children agree but this node does not: the difference lives
			// in this node itself (only possible in malformed summaries).
			break
		}
		path = append(path, uint8(next))
		na, nb = na.child(next), nb.child(next)
	}

	return bucketFromPath(path), true
}

func hashTimestamp(ts hlc.Timestamp) uint64 {
	return xxhash.Sum64String(ts.String())
}

func (n *node) child(d int) *node {
	if n == nil {
		return nil
	}
	return n.children[d]
}

func (n *node) hashValue() uint64 {
	if n == nil {
		return 0
	}
	return n.hash
}

func (n *node) empty() bool {
	if len(n.members) > 0 {
		return false
	}
	for _, c := range n.children {
		if c != nil {
			return false
		}
	}
	return true
}

func (n *node) clone() *node {
	if n == nil {
		return nil
	}
	c := &node{hash: n.hash}
	if n.members != nil {
		c.members = make(map[uint64]struct{}, len(n.members))
		for h := range n.members {
			c.members[h] = struct{}{}
		}
	}
	for i, child := range n.children {
		c.children[i] = child.clone()
	}
	return c
}
