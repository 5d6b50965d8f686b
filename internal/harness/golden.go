package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot is the golden-file view of a scenario execution: the step trace
// and the rows of every replica. Merkle roots are left out; the converged
// assertion covers them.
type Snapshot struct {
	Scenario string                 `json:"scenario"`
	Trace    []TraceEvent           `json:"trace"`
	Replicas map[string]ReplicaRows `json:"replicas"`
}

// ReplicaRows is the final rows of one replica.
type ReplicaRows struct {
	Todos []TodoState `json:"todos"`
	Types []TypeState `json:"types"`
}

// NewSnapshot builds the snapshot of a result.
func NewSnapshot(name string, result *Result) Snapshot {
	s := Snapshot{
		Scenario: name,
		Trace:    result.Trace,
		Replicas: make(map[string]ReplicaRows, len(result.State)),
	}
	for replica, state := range result.State {
		s.Replicas[replica] = ReplicaRows{Todos: state.Todos, Types: state.Types}
	}
	return s
}

// MarshalSnapshot renders a snapshot as indented JSON with a trailing
// newline. Map keys are sorted, so equal snapshots render identically.
func MarshalSnapshot(s Snapshot) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario, fails the test when the scenario does
// not pass, and compares its snapshot with testdata/golden/<name>.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		t.Error(e)
	}

	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares the snapshot of an existing result with its golden
// file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := MarshalSnapshot(NewSnapshot(name, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
