package hlc

import (
	"encoding/json"
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp_String(t *testing.T) {
	ts := New(1709294400000, 10, nodeA)
	assert.Equal(t, "0000018df9e2b200-000a-aaaaaaaaaaaaaaaa", ts.String())
}

func TestTimestamp_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	nodes := []string{nodeA, nodeB, MinNode, "0123456789abcdef", NewNodeID()}

	for i := 0; i < 1000; i++ {
		ts := Timestamp{
			Millis:  rng.Uint64(),
			Counter: uint16(rng.Intn(MaxCounter + 1)),
			Node:    nodes[i%len(nodes)],
		}
		parsed, err := Parse(ts.String())
		require.NoError(t, err)
		assert.Equal(t, ts, parsed)
	}
}

func TestTimestamp_RoundTripExtremes(t *testing.T) {
	for _, ts := range []Timestamp{
		{Millis: 0, Counter: 0, Node: MinNode},
		{Millis: ^uint64(0), Counter: MaxCounter, Node: "ffffffffffffffff"},
	} {
		parsed, err := Parse(ts.String())
		require.NoError(t, err)
		assert.Equal(t, ts, parsed)
	}
}

func TestTimestamp_EncodedOrderMatchesCompare(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	nodes := []string{nodeA, nodeB, MinNode}

	var stamps []Timestamp
	for i := 0; i < 300; i++ {
		stamps = append(stamps, Timestamp{
			Millis:  uint64(rng.Intn(5)) << uint(rng.Intn(40)),
			Counter: uint16(rng.Intn(4)),
			Node:    nodes[rng.Intn(len(nodes))],
		})
	}

	byCompare := slices.Clone(stamps)
	slices.SortFunc(byCompare, Timestamp.Compare)

	byString := slices.Clone(stamps)
	slices.SortFunc(byString, func(a, b Timestamp) int {
		switch {
		case a.String() < b.String():
			return -1
		case a.String() > b.String():
			return 1
		}
		return 0
	})

	assert.Equal(t, byCompare, byString)
}

func TestTimestamp_Compare(t *testing.T) {
	base := New(100, 5, nodeA)

	assert.Equal(t, 0, base.Compare(New(100, 5, nodeA)))
	assert.True(t, base.Less(New(101, 0, nodeA)))
	assert.True(t, base.Less(New(100, 6, nodeA)))
	assert.True(t, base.Less(New(100, 5, nodeB)))
	assert.True(t, base.After(New(99, MaxCounter, "ffffffffffffffff")))
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"short":          "0000018df9e2b200-000a-aaaa",
		"bad separator":  "0000018df9e2b200_000a-aaaaaaaaaaaaaaaa",
		"uppercase hex":  "0000018DF9E2B200-000a-aaaaaaaaaaaaaaaa",
		"non-hex node":   "0000018df9e2b200-000a-zzzzzzzzzzzzzzzz",
		"non-hex millis": "0000018df9e2b20g-000a-aaaaaaaaaaaaaaaa",
		"signed counter": "0000018df9e2b200-+00a-aaaaaaaaaaaaaaaa",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestTimestamp_JSON(t *testing.T) {
	ts := New(1709294400000, 1, nodeB)

	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"0000018df9e2b200-0001-bbbbbbbbbbbbbbbb"`, string(data))

	var decoded Timestamp
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ts, decoded)

	assert.Error(t, json.Unmarshal([]byte(`"garbage"`), &decoded))
}

func TestFloor(t *testing.T) {
	f := Floor(60000)
	assert.Equal(t, uint16(0), f.Counter)
	assert.True(t, f.Compare(New(60000, 0, nodeA)) < 0)
	assert.True(t, f.Compare(New(59999, MaxCounter, "ffffffffffffffff")) > 0)
}

func TestNewNodeID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewNodeID()
		require.NoError(t, ValidateNode(id))
		assert.False(t, seen[id], "node id %s generated twice", id)
		seen[id] = true
	}
}
