package harness

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Replica  string       // Replica the assertion looked at, if any
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Replica != "" {
		fmt.Fprintf(&buf, " on %s", e.Replica)
	}
	buf.WriteString("\n")

	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s %s -> %s\n", event.Step, event.Replica, event.Op, event.Ref, event.Outcome)
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTodos:
			err = assertTodos(result, a)
		case AssertTypes:
			err = assertTypes(result, a)
		case AssertConverged:
			err = assertConverged(result)
		case AssertPending:
			err = assertPending(result, a)
		default:
			err = fmt.Errorf("unknown assertion type: %s", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// assertTodos checks the replica's todos, deleted ones included. Order is
// irrelevant.
func assertTodos(result *Result, a Assertion) error {
	state, ok := result.State[a.Replica]
	if !ok {
		return missingReplica(result, a)
	}

	want := slices.Clone(a.Todos)
	sortTodos(want)
	if equalTodos(want, state.Todos) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTodos,
		Replica:  a.Replica,
		Expected: formatTodos(want),
		Actual:   formatTodos(state.Todos),
		Trace:    result.Trace,
	}
}

// assertTypes checks the replica's active types. Order is irrelevant.
func assertTypes(result *Result, a Assertion) error {
	state, ok := result.State[a.Replica]
	if !ok {
		return missingReplica(result, a)
	}

	want := slices.Clone(a.Types)
	sortTypes(want)
	if len(want) == 0 && len(state.Types) == 0 || slices.Equal(want, state.Types) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTypes,
		Replica:  a.Replica,
		Expected: fmt.Sprintf("%v", want),
		Actual:   fmt.Sprintf("%v", state.Types),
		Trace:    result.Trace,
	}
}

// assertConverged checks that every replica holds the same log (merkle
// root) and shows the same todos and types.
func assertConverged(result *Result) error {
	names := make([]string, 0, len(result.State))
	for name := range result.State {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) < 2 {
		return nil
	}

	first := result.State[names[0]]
	for _, name := range names[1:] {
		other := result.State[name]
		var diffs []string
		if other.Merkle != first.Merkle {
			diffs = append(diffs, fmt.Sprintf("merkle %d vs %d", first.Merkle, other.Merkle))
		}
		if !equalTodos(first.Todos, other.Todos) {
			diffs = append(diffs, fmt.Sprintf("todos %s vs %s", formatTodos(first.Todos), formatTodos(other.Todos)))
		}
		if !slices.Equal(first.Types, other.Types) {
			diffs = append(diffs, fmt.Sprintf("types %v vs %v", first.Types, other.Types))
		}
		if len(diffs) > 0 {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s and %s identical", names[0], name),
				Actual:   strings.Join(diffs, "; "),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// assertPending checks how many messages wait to be pushed.
func assertPending(result *Result, a Assertion) error {
	state, ok := result.State[a.Replica]
	if !ok {
		return missingReplica(result, a)
	}
	if state.Pending == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertPending,
		Replica:  a.Replica,
		Expected: fmt.Sprintf("%d pending messages", a.Count),
		Actual:   fmt.Sprintf("%d pending messages", state.Pending),
		Trace:    result.Trace,
	}
}

func missingReplica(result *Result, a Assertion) error {
	return &AssertionError{
		Type:     a.Type,
		Replica:  a.Replica,
		Expected: "replica state",
		Actual:   "no such replica",
		Trace:    result.Trace,
	}
}

func equalTodos(a, b []TodoState) bool {
	return len(a) == 0 && len(b) == 0 || slices.Equal(a, b)
}

func formatTodos(todos []TodoState) string {
	parts := make([]string, 0, len(todos))
	for _, t := range todos {
		s := t.Ref + "=" + t.Name
		if t.Type != "" {
			s += " (" + t.Type + ")"
		}
		if t.Deleted {
			s += " deleted"
		}
		parts = append(parts, s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
