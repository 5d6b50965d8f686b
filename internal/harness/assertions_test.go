package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultWith(states map[string]ReplicaState) *Result {
	r := NewResult()
	r.Trace = []TraceEvent{{Step: 0, Replica: "a", Op: OpAddTodo, Ref: "milk", Outcome: "ok"}}
	for name, st := range states {
		r.State[name] = st
	}
	return r
}

func TestAssertTodos(t *testing.T) {
	r := resultWith(map[string]ReplicaState{
		"a": {Todos: []TodoState{
			{Ref: "bread", Name: "bread"},
			{Ref: "milk", Name: "milk", Type: "work", Deleted: true},
		}},
	})

	t.Run("order insensitive", func(t *testing.T) {
		err := assertTodos(r, Assertion{Type: AssertTodos, Replica: "a", Todos: []TodoState{
			{Ref: "milk", Name: "milk", Type: "work", Deleted: true},
			{Ref: "bread", Name: "bread"},
		}})
		assert.NoError(t, err)
	})

	t.Run("mismatch", func(t *testing.T) {
		err := assertTodos(r, Assertion{Type: AssertTodos, Replica: "a", Todos: []TodoState{
			{Ref: "bread", Name: "bread"},
			{Ref: "milk", Name: "milk", Type: "work"},
		}})
		require.Error(t, err)

		var ae *AssertionError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, "a", ae.Replica)
		assert.Equal(t, "[bread=bread, milk=milk (work)]", ae.Expected)
		assert.Equal(t, "[bread=bread, milk=milk (work) deleted]", ae.Actual)
		assert.Contains(t, err.Error(), "Full trace:")
		assert.Contains(t, err.Error(), "[0] a add_todo milk -> ok")
	})

	t.Run("missing replica", func(t *testing.T) {
		err := assertTodos(r, Assertion{Type: AssertTodos, Replica: "z"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no such replica")
	})
}

func TestAssertTypes(t *testing.T) {
	r := resultWith(map[string]ReplicaState{
		"a": {Types: []TypeState{{Ref: "work", Name: "Work", Color: "blue"}}},
		"b": {Types: []TypeState{}},
	})

	assert.NoError(t, assertTypes(r, Assertion{Replica: "a", Types: []TypeState{{Ref: "work", Name: "Work", Color: "blue"}}}))
	assert.NoError(t, assertTypes(r, Assertion{Replica: "b"}), "nil and empty are equal")
	assert.Error(t, assertTypes(r, Assertion{Replica: "a", Types: []TypeState{{Ref: "work", Name: "Work", Color: "red"}}}))
}

func TestAssertConverged(t *testing.T) {
	same := ReplicaState{Todos: []TodoState{{Ref: "milk", Name: "milk"}}, Merkle: 42}

	t.Run("identical", func(t *testing.T) {
		r := resultWith(map[string]ReplicaState{"a": same, "b": same, "c": same})
		assert.NoError(t, assertConverged(r))
	})

	t.Run("single replica", func(t *testing.T) {
		r := resultWith(map[string]ReplicaState{"a": same})
		assert.NoError(t, assertConverged(r))
	})

	t.Run("merkle differs", func(t *testing.T) {
		other := same
		other.Merkle = 7
		r := resultWith(map[string]ReplicaState{"a": same, "b": other})
		err := assertConverged(r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "merkle 42 vs 7")
	})

	t.Run("rows differ", func(t *testing.T) {
		other := ReplicaState{Todos: []TodoState{{Ref: "milk", Name: "oat milk"}}, Merkle: 42}
		r := resultWith(map[string]ReplicaState{"a": same, "b": other})
		err := assertConverged(r)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "[milk=milk] vs [milk=oat milk]")
	})
}

func TestAssertPending(t *testing.T) {
	r := resultWith(map[string]ReplicaState{"a": {Pending: 2}})

	assert.NoError(t, assertPending(r, Assertion{Replica: "a", Count: 2}))
	err := assertPending(r, Assertion{Type: AssertPending, Replica: "a", Count: 0})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Expected: 0 pending messages")
	assert.Contains(t, err.Error(), "Actual: 2 pending messages")
}

func TestEvaluateAssertions(t *testing.T) {
	r := resultWith(map[string]ReplicaState{"a": {Pending: 1}})

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertPending, Replica: "a", Count: 1},
		{Type: AssertPending, Replica: "a", Count: 3},
		{Type: "bogus"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Assertion failed: pending on a")
	assert.Contains(t, errs[1], "unknown assertion type: bogus")
}
