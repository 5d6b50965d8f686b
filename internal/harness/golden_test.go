package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSnapshot(t *testing.T) {
	r := NewResult()
	r.Trace = []TraceEvent{{Step: 0, Op: OpAdvance, Outcome: "ok"}}
	r.State["b"] = ReplicaState{Todos: []TodoState{}, Types: []TypeState{}, Merkle: 9, Pending: 1}
	r.State["a"] = ReplicaState{
		Todos:  []TodoState{{Ref: "milk", Name: "milk", Type: "work"}},
		Types:  []TypeState{{Ref: "work", Name: "Work", Color: "blue"}},
		Merkle: 9,
	}

	data, err := MarshalSnapshot(NewSnapshot("tiny", r))
	require.NoError(t, err)

	want := `{
  "scenario": "tiny",
  "trace": [
    {
      "step": 0,
      "op": "advance",
      "outcome": "ok"
    }
  ],
  "replicas": {
    "a": {
      "todos": [
        {
          "ref": "milk",
          "name": "milk",
          "type": "work"
        }
      ],
      "types": [
        {
          "ref": "work",
          "name": "Work",
          "color": "blue"
        }
      ]
    },
    "b": {
      "todos": [],
      "types": []
    }
  }
}
`
	assert.Equal(t, want, string(data))
	assert.NotContains(t, string(data), "merkle", "merkle roots stay out of golden files")
}

func TestAssertGolden_ExistingResult(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/two_offline_replicas.yaml")
	require.NoError(t, err)

	result, err := Run(s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.NoError(t, AssertGolden(t, s.Name, result))
}
