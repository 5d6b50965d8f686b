package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/replica"
	"github.com/danielstaleiny/CRDT-sqlite/internal/server"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/memstore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
	"github.com/danielstaleiny/CRDT-sqlite/internal/testutil"
	"github.com/danielstaleiny/CRDT-sqlite/internal/todo"
)

// Epoch is the wall-clock time every scenario starts at.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultGroup is the sync group of scenarios that do not name one.
const DefaultGroup = "harness"

var errOffline = errors.New("replica is offline")

// link is a replica's connection to the server that can be cut.
type link struct {
	offline atomic.Bool
	next    syncer.Transport
}

func (l *link) Exchange(ctx context.Context, req *syncer.Request) (*syncer.Response, error) {
	if l.offline.Load() {
		return nil, &syncer.TransportError{Reason: syncer.ReasonNetworkFailure, Err: errOffline}
	}
	return l.next.Exchange(ctx, req)
}

type node struct {
	name   string
	engine *replica.Engine
	app    *todo.App
	link   *link
}

// Harness executes one scenario.
type Harness struct {
	clock  *testutil.ManualClock
	nodes  map[string]*node
	refs   map[string]string // ref -> row id
	names  map[string]string // row id -> ref
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory sync server with fresh
// in-memory replicas, so scenarios are isolated from each other.
//
// Execution flow:
// 1. Start the sync server and open the replicas
// 2. Execute the steps, checking each expect clause
// 3. Collect the final state of every replica
// 4. Evaluate the assertions
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv := server.New(server.NewMemoryStore(), server.NewHub(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	h := &Harness{
		clock:  testutil.NewManualClock(Epoch),
		nodes:  make(map[string]*node, len(scenario.Replicas)),
		refs:   make(map[string]string),
		names:  make(map[string]string),
		logger: logger,
	}

	group := scenario.Group
	if group == "" {
		group = DefaultGroup
	}

	ids := testutil.NewNodeSequence()
	for _, name := range scenario.Replicas {
		n, err := h.open(ctx, name, ids.Next(), group, ts.URL)
		if err != nil {
			return nil, fmt.Errorf("open replica %s: %w", name, err)
		}
		defer n.engine.Close()
		h.nodes[name] = n
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		res, err := h.execute(ctx, step)
		result.Trace = append(result.Trace, TraceEvent{
			Step:    i,
			Replica: step.Replica,
			Op:      step.Op,
			Ref:     step.Ref,
			Outcome: outcome(err),
		})
		for _, msg := range checkExpect(step, res, err) {
			result.AddError(fmt.Sprintf("step %d (%s %s): %s", i, step.Replica, step.Op, msg))
		}
	}

	for _, name := range scenario.Replicas {
		state, err := h.state(ctx, h.nodes[name])
		if err != nil {
			return nil, fmt.Errorf("read state of %s: %w", name, err)
		}
		result.State[name] = state
	}

	for _, err := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(err)
	}

	h.logger.Info("scenario finished", "name", scenario.Name, "pass", result.Pass)
	return result, nil
}

func (h *Harness) open(ctx context.Context, name, nodeID, group, endpoint string) (*node, error) {
	st, err := crdt.Open(ctx, memstore.New(),
		crdt.WithDatasets(todo.Datasets...),
		crdt.WithNodeID(nodeID),
		crdt.WithClockOptions(hlc.WithNow(h.clock.Now)),
		crdt.WithLogger(h.logger),
	)
	if err != nil {
		return nil, err
	}

	l := &link{next: syncer.NewHTTPTransport(endpoint, syncer.DefaultTimeout,
		syncer.WithTransportLogger(h.logger))}
	engine := replica.New(st, l, group,
		replica.WithLogger(h.logger),
		replica.WithSyncOptions(syncer.WithLogger(h.logger)),
	)
	return &node{name: name, engine: engine, app: todo.New(engine), link: l}, nil
}

// id resolves a ref to the row id it stands for.
func (h *Harness) id(ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	id, ok := h.refs[ref]
	if !ok {
		return "", fmt.Errorf("unknown ref %q", ref)
	}
	return id, nil
}

func (h *Harness) bind(ref, id string) {
	h.refs[ref] = id
	h.names[id] = ref
}

// ref names a row id; rows created outside the steps keep their id.
func (h *Harness) ref(id string) string {
	if ref, ok := h.names[id]; ok {
		return ref
	}
	return id
}

// execute runs one step. The sync result is returned for sync steps.
func (h *Harness) execute(ctx context.Context, step Step) (*syncer.Result, error) {
	if step.Op == OpAdvance {
		h.clock.Advance(step.By)
		return nil, nil
	}

	n := h.nodes[step.Replica]
	app := n.app

	target, err := h.targetID(step)
	if err != nil {
		return nil, err
	}
	typeID, err := h.id(step.Type)
	if err != nil {
		return nil, err
	}

	switch step.Op {
	case OpAddTodo:
		id, err := app.AddTodo(ctx, step.Name, typeID)
		if err == nil {
			h.bind(step.Ref, id)
		}
		return nil, err
	case OpRenameTodo:
		return nil, app.RenameTodo(ctx, target, step.Name)
	case OpSetTodoType:
		return nil, app.SetTodoType(ctx, target, typeID)
	case OpDeleteTodo:
		return nil, app.DeleteTodo(ctx, target)
	case OpUndeleteTodo:
		return nil, app.UndeleteTodo(ctx, target)
	case OpAddType:
		id, err := app.AddType(ctx, step.Name, step.Color)
		if err == nil {
			h.bind(step.Ref, id)
		}
		return nil, err
	case OpDeleteType:
		merge, err := h.id(step.Merge)
		if err != nil {
			return nil, err
		}
		return nil, app.DeleteType(ctx, target, merge)
	case OpSeedTypes:
		if _, err := app.SeedDefaultTypes(ctx); err != nil {
			return nil, err
		}
		return nil, h.bindTypes(ctx, app)
	case OpSync:
		return n.engine.Sync(ctx)
	case OpOffline:
		n.link.offline.Store(true)
		return nil, nil
	case OpOnline:
		n.link.offline.Store(false)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown op %q", step.Op)
}

// targetID resolves the ref of a step that edits an existing row.
func (h *Harness) targetID(step Step) (string, error) {
	if step.Op == OpAddTodo || step.Op == OpAddType {
		if _, taken := h.refs[step.Ref]; taken {
			return "", fmt.Errorf("ref %q already bound", step.Ref)
		}
		return "", nil
	}
	return h.id(step.Ref)
}

// bindTypes gives seeded types their lower-cased name as ref.
func (h *Harness) bindTypes(ctx context.Context, app *todo.App) error {
	types, err := app.Types(ctx)
	if err != nil {
		return err
	}
	for _, t := range types {
		if _, known := h.names[t.ID]; known {
			continue
		}
		ref := strings.ToLower(t.Name)
		if _, taken := h.refs[ref]; !taken {
			h.bind(ref, t.ID)
		}
	}
	return nil
}

func (h *Harness) state(ctx context.Context, n *node) (ReplicaState, error) {
	todos, err := n.app.AllTodos(ctx)
	if err != nil {
		return ReplicaState{}, err
	}
	types, err := n.app.Types(ctx)
	if err != nil {
		return ReplicaState{}, err
	}

	st := ReplicaState{
		Todos:   make([]TodoState, 0, len(todos)),
		Types:   make([]TypeState, 0, len(types)),
		Merkle:  n.engine.Store().MerkleHash(),
		Pending: len(n.engine.Pending()),
	}
	for _, t := range todos {
		ts := TodoState{Ref: h.ref(t.ID), Name: t.Name, Deleted: t.Deleted}
		if t.Type != nil {
			ts.Type = h.ref(t.Type.ID)
		}
		st.Todos = append(st.Todos, ts)
	}
	for _, t := range types {
		st.Types = append(st.Types, TypeState{Ref: h.ref(t.ID), Name: t.Name, Color: t.Color})
	}
	sortTodos(st.Todos)
	sortTypes(st.Types)
	return st, nil
}

func sortTodos(todos []TodoState) {
	slices.SortFunc(todos, func(a, b TodoState) int { return strings.Compare(a.Ref, b.Ref) })
}

func sortTypes(types []TypeState) {
	slices.SortFunc(types, func(a, b TypeState) int { return strings.Compare(a.Ref, b.Ref) })
}

// outcome condenses a step error for the trace: "ok", the transport reason,
// the storage error code, or the message.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var te *syncer.TransportError
	if errors.As(err, &te) {
		return te.Reason
	}
	var se *crdt.StorageError
	if errors.As(err, &se) {
		return string(se.Code)
	}
	return err.Error()
}

// checkExpect compares the outcome of a step with its expect clause.
func checkExpect(step Step, res *syncer.Result, err error) []string {
	exp := step.Expect
	if exp == nil || exp.Error == "" {
		if err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", err)}
		}
	} else {
		if err == nil {
			return []string{fmt.Sprintf("expected error containing %q, got success", exp.Error)}
		}
		if !strings.Contains(err.Error(), exp.Error) {
			return []string{fmt.Sprintf("expected error containing %q, got %v", exp.Error, err)}
		}
		return nil
	}
	if exp == nil {
		return nil
	}

	var errs []string
	if (exp.Received != nil || exp.Changed != nil) && res == nil {
		return []string{"received/changed expected on a step that is not a sync"}
	}
	if exp.Received != nil && res.Received != *exp.Received {
		errs = append(errs, fmt.Sprintf("expected %d messages received, got %d", *exp.Received, res.Received))
	}
	if exp.Changed != nil && res.Changed != *exp.Changed {
		errs = append(errs, fmt.Sprintf("expected changed=%v, got %v", *exp.Changed, res.Changed))
	}
	return errs
}
