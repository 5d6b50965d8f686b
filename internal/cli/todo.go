package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/todo"
)

// TodoOptions holds flags shared by the todo subcommands.
type TodoOptions struct {
	*RootOptions
	Sync bool
}

// TodoView is a todo as printed by the CLI.
type TodoView struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Type    *TypeView `json:"type,omitempty"`
	Order   float64   `json:"order"`
	Deleted bool      `json:"deleted,omitempty"`
}

// TodoList is the output of `todo list`.
type TodoList []TodoView

// RenderText prints one todo per line.
func (l TodoList) RenderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No todos.")
		return
	}
	for _, t := range l {
		var tags []string
		if t.Type != nil {
			tags = append(tags, t.Type.Name)
		}
		if t.Deleted {
			tags = append(tags, "deleted")
		}
		line := fmt.Sprintf("%s  %s", t.ID, t.Name)
		if len(tags) > 0 {
			line += "  [" + strings.Join(tags, ", ") + "]"
		}
		fmt.Fprintln(w, line)
	}
}

// Mutation is the output of the commands that change one row.
type Mutation struct {
	Action  string       `json:"action"`
	ID      string       `json:"id"`
	Pending int          `json:"pending"`
	Synced  *SyncSummary `json:"synced,omitempty"`
}

// RenderText prints the action and the row id.
func (m Mutation) RenderText(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", m.Action, m.ID)
	if m.Synced != nil {
		m.Synced.RenderText(w)
	}
}

func todoView(t todo.Todo) TodoView {
	v := TodoView{ID: t.ID, Name: t.Name, Order: t.Order, Deleted: t.Deleted}
	if t.Type != nil {
		tv := typeView(*t.Type)
		v.Type = &tv
	}
	return v
}

// NewTodoCommand creates the todo command and its subcommands.
func NewTodoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TodoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "todo",
		Short: "Add, list and edit todos",
		Long: `Add, list and edit todos on the local replica.

Edits are written locally and reach other replicas with the next sync. Pass
--sync to push them right away.

Examples:
  crdt todo add "buy milk" --type <type-id>
  crdt todo list --deleted
  crdt todo rename <id> "buy oat milk"
  crdt todo delete <id> --sync`,
	}

	cmd.PersistentFlags().BoolVar(&opts.Sync, "sync", false, "sync after the change")

	cmd.AddCommand(newTodoAddCommand(opts))
	cmd.AddCommand(newTodoListCommand(opts))
	cmd.AddCommand(newTodoRenameCommand(opts))
	cmd.AddCommand(newTodoMutationCommand(opts, "delete", "Delete a todo", "Deleted",
		func(ctx context.Context, app *todo.App, id string) error { return app.DeleteTodo(ctx, id) }))
	cmd.AddCommand(newTodoMutationCommand(opts, "undelete", "Restore a deleted todo", "Restored",
		func(ctx context.Context, app *todo.App, id string) error { return app.UndeleteTodo(ctx, id) }))

	return cmd
}

func newTodoAddCommand(opts *TodoOptions) *cobra.Command {
	var typeID string

	cmd := &cobra.Command{
		Use:           "add <name>",
		Short:         "Add a todo",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts.RootOptions, opts.Sync, "Added", func(ctx context.Context, s *session) (string, error) {
				return s.app.AddTodo(ctx, args[0], typeID)
			})
		},
	}
	cmd.Flags().StringVar(&typeID, "type", "", "todo type id")
	return cmd
}

func newTodoRenameCommand(opts *TodoOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rename <id> <name>",
		Short:         "Rename a todo",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts.RootOptions, opts.Sync, "Renamed", func(ctx context.Context, s *session) (string, error) {
				return args[0], s.app.RenameTodo(ctx, args[0], args[1])
			})
		},
	}
}

func newTodoMutationCommand(opts *TodoOptions, use, short, action string, fn func(context.Context, *todo.App, string) error) *cobra.Command {
	return &cobra.Command{
		Use:           use + " <id>",
		Short:         short,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts.RootOptions, opts.Sync, action, func(ctx context.Context, s *session) (string, error) {
				return args[0], fn(ctx, s.app, args[0])
			})
		},
	}
}

func newTodoListCommand(opts *TodoOptions) *cobra.Command {
	var deleted, all bool

	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List todos",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deleted && all {
				return NewExitError(ExitCommandError, "--deleted and --all are exclusive")
			}
			ctx := commandContext(cmd)

			s, err := openSession(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			if opts.Sync {
				if _, err := syncOnce(ctx, s, false); err != nil {
					return err
				}
			}

			var todos []todo.Todo
			switch {
			case deleted:
				todos, err = s.app.DeletedTodos(ctx)
			case all:
				todos, err = s.app.AllTodos(ctx)
			default:
				todos, err = s.app.Todos(ctx)
			}
			if err != nil {
				return operationError("failed to list todos", err)
			}

			list := make(TodoList, 0, len(todos))
			for _, t := range todos {
				list = append(list, todoView(t))
			}
			return opts.formatter(cmd).Success(list)
		},
	}
	cmd.Flags().BoolVar(&deleted, "deleted", false, "list deleted todos only")
	cmd.Flags().BoolVar(&all, "all", false, "list deleted todos too")
	return cmd
}

// runMutation opens the replica, applies fn and optionally syncs.
func runMutation(cmd *cobra.Command, opts *RootOptions, sync bool, action string, fn func(context.Context, *session) (string, error)) error {
	ctx := commandContext(cmd)

	s, err := openSession(ctx, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := fn(ctx, s)
	if err != nil {
		return operationError(cmd.CommandPath()+" failed", err)
	}

	out := Mutation{Action: action, ID: id, Pending: len(s.engine.Pending())}
	if sync {
		if s.endpoint == "" {
			return NewExitError(ExitCommandError, "no sync endpoint: set --endpoint, CRDT_ENDPOINT or discover")
		}
		summary, err := syncOnce(ctx, s, false)
		if err != nil {
			return err
		}
		out.Synced = &summary
		out.Pending = len(s.engine.Pending())
	}
	return opts.formatter(cmd).Success(out)
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
