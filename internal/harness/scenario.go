package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a replication script: replicas, steps and the assertions
// that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replicas names the replicas, in node id order.
	Replicas []string `yaml:"replicas"`

	// Group is the sync group of every replica (default "harness").
	Group string `yaml:"group,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one operation on one replica.
type Step struct {
	Replica string `yaml:"replica,omitempty"`
	Op      string `yaml:"op"`

	// Ref names the row the step creates or targets.
	Ref string `yaml:"ref,omitempty"`

	Name  string `yaml:"name,omitempty"`
	Color string `yaml:"color,omitempty"`

	// Type and Merge are type refs.
	Type  string `yaml:"type,omitempty"`
	Merge string `yaml:"merge,omitempty"`

	// By is the clock advance of an advance step.
	By time.Duration `yaml:"by,omitempty"`

	// Expect checks the outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the outcome of a step.
type Expect struct {
	// Error is a substring of the expected error.
	Error string `yaml:"error,omitempty"`

	// Received is the expected number of messages a sync step received.
	Received *int `yaml:"received,omitempty"`

	// Changed is whether a sync step changed the replica's rows.
	Changed *bool `yaml:"changed,omitempty"`
}

// Step operations.
const (
	OpAddTodo      = "add_todo"
	OpRenameTodo   = "rename_todo"
	OpSetTodoType  = "set_todo_type"
	OpDeleteTodo   = "delete_todo"
	OpUndeleteTodo = "undelete_todo"
	OpAddType      = "add_type"
	OpDeleteType   = "delete_type"
	OpSeedTypes    = "seed_types"
	OpSync         = "sync"
	OpOffline      = "offline"
	OpOnline       = "online"
	OpAdvance      = "advance"
)

// Assertion type constants.
const (
	AssertTodos     = "todos"
	AssertTypes     = "types"
	AssertConverged = "converged"
	AssertPending   = "pending"
)

// Assertion checks the final state of one or all replicas.
type Assertion struct {
	Type    string      `yaml:"type"`
	Replica string      `yaml:"replica,omitempty"`
	Todos   []TodoState `yaml:"todos,omitempty"`
	Types   []TypeState `yaml:"types,omitempty"`
	Count   int         `yaml:"count,omitempty"`
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is inconsistent.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", filepath.Base(path), err)
	}

	return &scenario, nil
}

// LoadScenarios loads every *.yaml file of dir, in name order.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	slices.Sort(paths)

	scenarios := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// stepsWithRef lists the operations that need a ref.
var stepsWithRef = map[string]bool{
	OpAddTodo:      true,
	OpRenameTodo:   true,
	OpSetTodoType:  true,
	OpDeleteTodo:   true,
	OpUndeleteTodo: true,
	OpAddType:      true,
	OpDeleteType:   true,
}

var knownOps = map[string]bool{
	OpSeedTypes: true,
	OpSync:      true,
	OpOffline:   true,
	OpOnline:    true,
	OpAdvance:   true,
}

// validateScenario checks that required fields are present and that steps
// and assertions only name declared replicas.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	declared := make(map[string]bool, len(s.Replicas))
	for _, r := range s.Replicas {
		if declared[r] {
			return fmt.Errorf("replica %q declared twice", r)
		}
		declared[r] = true
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if !stepsWithRef[step.Op] && !knownOps[step.Op] {
			return fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
		if step.Op == OpAdvance {
			if step.By == 0 {
				return fmt.Errorf("step %d: advance needs by", i)
			}
			continue
		}
		if !declared[step.Replica] {
			return fmt.Errorf("step %d: unknown replica %q", i, step.Replica)
		}
		if stepsWithRef[step.Op] && step.Ref == "" {
			return fmt.Errorf("step %d: %s needs ref", i, step.Op)
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertConverged:
		case AssertTodos, AssertTypes, AssertPending:
			if !declared[a.Replica] {
				return fmt.Errorf("assertion %d: unknown replica %q", i, a.Replica)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i, a.Type)
		}
	}

	return nil
}
