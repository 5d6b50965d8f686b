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

func TestTrie_JSONRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	tr := Build(sampleHistory(rng, 60))

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	decoded, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, tr.Hash(), decoded.Hash())

	_, differ := Diff(tr, decoded)
	assert.False(t, differ)

	again, err := json.Marshal(decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestTrie_JSONShape(t *testing.T) {
	data, err := json.Marshal(New())
	require.NoError(t, err)
	assert.Equal(t, `{"hash":0}`, string(data))

	tr := Build([]hlc.Timestamp{at(0, 0, nodeA)})
	data, err = json.Marshal(tr)
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &top))
	assert.Len(t, top, 2, "hash plus a single child on the only path")
	assert.Contains(t, top, "hash")
}

func TestTrie_JSONEmbedded(t *testing.T) {
	type envelope struct {
		Merkle *Trie `json:"merkle"`
	}
	tr := Build([]hlc.Timestamp{at(time.Hour, 1, nodeB)})

	data, err := json.Marshal(envelope{Merkle: tr})
	require.NoError(t, err)

	var out envelope
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotNil(t, out.Merkle)
	assert.Equal(t, tr.Hash(), out.Merkle.Hash())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":    `{`,
		"null":        `null`,
		"array":       `[]`,
		"bad key":     `{"hash":1,"3":{"hash":1}}`,
		"string hash": `{"hash":"1"}`,
		"negative":    `{"hash":-1}`,
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(input))
			assert.Error(t, err)
		})
	}
}

func TestParse_RejectsTooDeep(t *testing.T) {
	doc := `{"hash":1}`
	for i := 0; i <= Depth; i++ {
		doc = `{"hash":1,"0":` + doc + `}`
	}
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}
