// Package harness runs replication scenarios against a real sync server.
//
// A scenario names a set of replicas and a list of steps. Every replica is a
// todo application over an in-memory store, talking HTTP to an in-process
// sync server. All replicas share one manual wall clock and get node ids from
// a fixed sequence, so a scenario produces the same timestamps, and the same
// final state, on every run.
//
// # Scenario Format
//
//	name: conflicting_edits
//	description: "Concurrent renames resolve to the later edit"
//	replicas: [a, b]
//	steps:
//	  - {replica: a, op: add_todo, ref: milk, name: milk}
//	  - {replica: a, op: sync}
//	  - {replica: b, op: sync}
//	  - {replica: a, op: rename_todo, ref: milk, name: oat milk}
//	  - {op: advance, by: 1s}
//	  - {replica: b, op: rename_todo, ref: milk, name: soy milk}
//	  - {replica: b, op: offline}
//	  - replica: b
//	    op: sync
//	    expect: {error: network-failure}
//	assertions:
//	  - type: converged
//	  - type: todos
//	    replica: a
//	    todos: [{ref: milk, name: soy milk}]
//
// Rows are named by ref. The ref of an added todo or type stands for its
// generated id in later steps and in the reported state.
//
// # Operations
//
//   - add_todo (ref, name, type), rename_todo (ref, name),
//     set_todo_type (ref, type), delete_todo (ref), undelete_todo (ref)
//   - add_type (ref, name, color), delete_type (ref, merge), seed_types
//   - sync, offline, online
//   - advance (by): moves the shared wall clock
//
// # Assertion Types
//
//   - todos: the replica's todo list, deleted ones included, equals the list
//   - types: the replica's active types equal the list
//   - converged: every replica has the same merkle root and the same todos
//   - pending: the replica has count messages waiting to be pushed
//
// # Golden Files
//
// RunWithGolden compares the step trace and final state of a scenario with
// testdata/golden/<name>.golden. Regenerate with:
//
//	go test ./internal/harness -update
package harness
