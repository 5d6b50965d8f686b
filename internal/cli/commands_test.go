package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielstaleiny/CRDT-sqlite/internal/server"
)

func noEnv(string) (string, bool) { return "", false }

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// lockedBuffer is a bytes.Buffer safe for a command writing in the
// background while the test reads.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// execute runs the CLI with args and no CRDT_* environment.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeContext(context.Background(), t, &lockedBuffer{}, args...)
}

func executeContext(ctx context.Context, t *testing.T, out *lockedBuffer, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(&RootOptions{LookupEnv: noEnv})
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// decode unmarshals the data of a JSON CLI response into v.
func decode(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), "output: %s", out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func newSyncServer(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := server.New(server.NewMemoryStore(), server.NewHub(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func tempDB(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(t.TempDir(), name)
}

func addTodo(t *testing.T, db, name string, extra ...string) string {
	t.Helper()
	args := append([]string{"--db", db, "--format", "json", "todo", "add", name}, extra...)
	out, err := execute(t, args...)
	require.NoError(t, err)

	var m Mutation
	decode(t, out, &m)
	require.NotEmpty(t, m.ID)
	return m.ID
}

func listTodos(t *testing.T, db string, extra ...string) TodoList {
	t.Helper()
	args := append([]string{"--db", db, "--format", "json", "todo", "list"}, extra...)
	out, err := execute(t, args...)
	require.NoError(t, err)

	var list TodoList
	decode(t, out, &list)
	return list
}

func TestTodoCommands(t *testing.T) {
	db := tempDB(t, "replica.db")

	milk := addTodo(t, db, "buy milk")
	bread := addTodo(t, db, "buy bread")

	list := listTodos(t, db)
	require.Len(t, list, 2)
	assert.Equal(t, "buy milk", list[0].Name)
	assert.Equal(t, "buy bread", list[1].Name)
	assert.Less(t, list[0].Order, list[1].Order)

	_, err := execute(t, "--db", db, "todo", "rename", milk, "buy oat milk")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "todo", "delete", bread)
	require.NoError(t, err)
	assert.Equal(t, "Deleted "+bread+"\n", out)

	list = listTodos(t, db)
	require.Len(t, list, 1)
	assert.Equal(t, "buy oat milk", list[0].Name)

	deleted := listTodos(t, db, "--deleted")
	require.Len(t, deleted, 1)
	assert.Equal(t, bread, deleted[0].ID)
	assert.True(t, deleted[0].Deleted)

	_, err = execute(t, "--db", db, "todo", "undelete", bread)
	require.NoError(t, err)
	assert.Len(t, listTodos(t, db), 2)
	assert.Len(t, listTodos(t, db, "--all"), 2)
}

func TestTodoCommands_TextList(t *testing.T) {
	db := tempDB(t, "replica.db")

	out, err := execute(t, "--db", db, "todo", "list")
	require.NoError(t, err)
	assert.Equal(t, "No todos.\n", out)

	id := addTodo(t, db, "water plants")
	out, err = execute(t, "--db", db, "todo", "list")
	require.NoError(t, err)
	assert.Equal(t, id+"  water plants\n", out)
}

func TestTodoCommands_Errors(t *testing.T) {
	db := tempDB(t, "replica.db")

	_, err := execute(t, "--db", db, "todo", "rename", "missing", "x")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "ROW_NOT_FOUND")

	_, err = execute(t, "--db", db, "todo", "add", "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blank")

	_, err = execute(t, "--db", db, "todo", "list", "--deleted", "--all")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTypeCommands_MergeMovesTodos(t *testing.T) {
	db := tempDB(t, "replica.db")

	out, err := execute(t, "--db", db, "--format", "json", "type", "add", "Errands", "--color", "orange")
	require.NoError(t, err)
	var errands Mutation
	decode(t, out, &errands)

	out, err = execute(t, "--db", db, "--format", "json", "type", "add", "Chores", "--color", "teal")
	require.NoError(t, err)
	var chores Mutation
	decode(t, out, &chores)

	addTodo(t, db, "post letter", "--type", errands.ID)

	out, err = execute(t, "--db", db, "--format", "json", "type", "list")
	require.NoError(t, err)
	var types TypeList
	decode(t, out, &types)
	assert.Len(t, types, 2)

	_, err = execute(t, "--db", db, "type", "delete", errands.ID, "--merge", chores.ID)
	require.NoError(t, err)

	list := listTodos(t, db)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Type)
	assert.Equal(t, "Chores", list[0].Type.Name)
	assert.Equal(t, "teal", list[0].Type.Color)

	out, err = execute(t, "--db", db, "type", "list")
	require.NoError(t, err)
	assert.Equal(t, chores.ID+"  Chores  (teal)\n", out)
}

func TestSyncCommand_ReplicasConverge(t *testing.T) {
	endpoint := newSyncServer(t)
	a := tempDB(t, "a.db")
	b := tempDB(t, "b.db")

	addTodo(t, a, "from a")

	out, err := execute(t, "--db", a, "--endpoint", endpoint, "--format", "json", "sync")
	require.NoError(t, err)
	var first SyncSummary
	decode(t, out, &first)
	assert.True(t, first.Seeded, "an empty group gets the default types")
	assert.Equal(t, endpoint, first.Endpoint)

	out, err = execute(t, "--db", b, "--endpoint", endpoint, "--format", "json", "sync")
	require.NoError(t, err)
	var second SyncSummary
	decode(t, out, &second)
	assert.False(t, second.Seeded, "types arrived from the first replica")
	assert.True(t, second.Changed)
	assert.Equal(t, first.Merkle, second.Merkle)

	list := listTodos(t, b)
	require.Len(t, list, 1)
	assert.Equal(t, "from a", list[0].Name)

	out, err = execute(t, "--db", b, "--format", "json", "type", "list")
	require.NoError(t, err)
	var types TypeList
	decode(t, out, &types)
	assert.Len(t, types, 2)

	// An edit pushed with --sync reaches the other replica.
	_, err = execute(t, "--db", b, "--endpoint", endpoint, "todo", "rename", list[0].ID, "edited on b", "--sync")
	require.NoError(t, err)

	out, err = execute(t, "--db", a, "--endpoint", endpoint, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "updated")
	assert.Equal(t, "edited on b", listTodos(t, a)[0].Name)
}

func TestSyncCommand_NoEndpoint(t *testing.T) {
	_, err := execute(t, "--db", tempDB(t, "a.db"), "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "no sync endpoint")
}

func TestSyncCommand_Offline(t *testing.T) {
	ts := httptest.NewServer(nil)
	endpoint := ts.URL
	ts.Close()

	db := tempDB(t, "a.db")
	addTodo(t, db, "written offline")

	_, err := execute(t, "--db", db, "--endpoint", endpoint, "sync")
	require.Error(t, err)
	assert.Equal(t, ExitOffline, GetExitCode(err))

	// Local data is untouched.
	assert.Len(t, listTodos(t, db), 1)
}

func TestInspectAndRebuild(t *testing.T) {
	db := tempDB(t, "replica.db")
	addTodo(t, db, "one")
	addTodo(t, db, "two")

	out, err := execute(t, "--db", db, "--format", "json", "inspect")
	require.NoError(t, err)
	var before Inspection
	decode(t, out, &before)
	assert.Len(t, before.Node, 16)
	assert.Equal(t, 4, before.Messages, "name and order per todo")
	assert.Equal(t, 2, before.Rows["todos"])
	assert.NotZero(t, before.Merkle)

	out, err = execute(t, "--db", db, "rebuild")
	require.NoError(t, err)
	assert.Contains(t, out, "Rebuilt from 4 messages")

	out, err = execute(t, "--db", db, "--format", "json", "inspect")
	require.NoError(t, err)
	var after Inspection
	decode(t, out, &after)
	assert.Equal(t, before.Merkle, after.Merkle)
	assert.Equal(t, before.Rows, after.Rows)
	assert.Equal(t, before.Node, after.Node)
}

func TestInspect_RowHistory(t *testing.T) {
	db := tempDB(t, "replica.db")
	id := addTodo(t, db, "first")
	_, err := execute(t, "--db", db, "todo", "rename", id, "second")
	require.NoError(t, err)

	out, err := execute(t, "--db", db, "--format", "json", "inspect", "--row", "todos/"+id)
	require.NoError(t, err)
	var in Inspection
	decode(t, out, &in)
	require.Len(t, in.History, 3)
	assert.Equal(t, "name", in.History[0].Column)
	assert.Equal(t, "second", in.History[0].Value)

	_, err = execute(t, "--db", db, "inspect", "--row", "todos")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestBackends(t *testing.T) {
	for _, backend := range []string{"sqlite", "bolt"} {
		t.Run(backend, func(t *testing.T) {
			db := tempDB(t, "replica."+backend)
			addTodo(t, db, "persisted", "--backend", backend)

			list := listTodos(t, db, "--backend", backend)
			require.Len(t, list, 1)
			assert.Equal(t, "persisted", list[0].Name)
		})
	}

	t.Run("memory", func(t *testing.T) {
		out, err := execute(t, "--backend", "memory", "todo", "list")
		require.NoError(t, err)
		assert.Equal(t, "No todos.\n", out)
	})
}

func TestWatchCommand(t *testing.T) {
	endpoint := newSyncServer(t)
	a := tempDB(t, "a.db")
	b := tempDB(t, "b.db")

	ctx, cancel := context.WithCancel(context.Background())
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		_, err := executeContext(ctx, t, out, "--db", a, "--endpoint", endpoint, "watch", "--interval", "20ms")
		done <- err
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Synced with")
	}, 5*time.Second, 10*time.Millisecond)

	addTodo(t, b, "from b")
	_, err := execute(t, "--db", b, "--endpoint", endpoint, "sync")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "updated: sent 0, received")
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	assert.Equal(t, "from b", listTodos(t, a)[0].Name)
}
