package harness

// TodoState is a todo as reported by the harness. Ids are replaced by refs.
type TodoState struct {
	Ref     string `yaml:"ref" json:"ref"`
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type,omitempty" json:"type,omitempty"`
	Deleted bool   `yaml:"deleted,omitempty" json:"deleted,omitempty"`
}

// TypeState is an active todo type as reported by the harness.
type TypeState struct {
	Ref   string `yaml:"ref" json:"ref"`
	Name  string `yaml:"name" json:"name"`
	Color string `yaml:"color" json:"color"`
}

// ReplicaState is the final state of one replica.
type ReplicaState struct {
	Todos   []TodoState `json:"todos"`
	Types   []TypeState `json:"types"`
	Merkle  uint64      `json:"merkle"`
	Pending int         `json:"pending"`
}

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Replica string `json:"replica,omitempty"`
	Op      string `json:"op"`
	Ref     string `json:"ref,omitempty"`

	// Outcome is "ok" or the reason of the failure.
	Outcome string `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step behaved as expected and every assertion
	// held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent            `json:"trace"`
	Errors []string                `json:"errors,omitempty"`
	State  map[string]ReplicaState `json:"state"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]ReplicaState),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
