package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/todo"
)

// TypeView is a todo type as printed by the CLI.
type TypeView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// TypeList is the output of `type list`.
type TypeList []TypeView

// RenderText prints one type per line.
func (l TypeList) RenderText(w io.Writer) {
	if len(l) == 0 {
		fmt.Fprintln(w, "No todo types.")
		return
	}
	for _, t := range l {
		fmt.Fprintf(w, "%s  %s  (%s)\n", t.ID, t.Name, t.Color)
	}
}

func typeView(t todo.Type) TypeView {
	return TypeView{ID: t.ID, Name: t.Name, Color: t.Color}
}

// NewTypeCommand creates the type command and its subcommands.
func NewTypeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TodoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "type",
		Short: "Manage todo types",
		Long: `Manage todo types.

Todos refer to a type through a mapping, so deleting a type with --merge moves
every todo of the deleted type to the merge target, including todos that
other replicas have not synced yet.

Examples:
  crdt type add Errands --color orange
  crdt type list
  crdt type delete <id> --merge <other-id>`,
	}

	cmd.PersistentFlags().BoolVar(&opts.Sync, "sync", false, "sync after the change")

	cmd.AddCommand(newTypeAddCommand(opts))
	cmd.AddCommand(newTypeListCommand(opts))
	cmd.AddCommand(newTypeDeleteCommand(opts))

	return cmd
}

func newTypeAddCommand(opts *TodoOptions) *cobra.Command {
	var color string

	cmd := &cobra.Command{
		Use:           "add <name>",
		Short:         "Add a todo type",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts.RootOptions, opts.Sync, "Added", func(ctx context.Context, s *session) (string, error) {
				return s.app.AddType(ctx, args[0], color)
			})
		},
	}
	cmd.Flags().StringVar(&color, "color", "", "type color (random when empty)")
	return cmd
}

func newTypeDeleteCommand(opts *TodoOptions) *cobra.Command {
	var merge string

	cmd := &cobra.Command{
		Use:           "delete <id>",
		Short:         "Delete a todo type",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(cmd, opts.RootOptions, opts.Sync, "Deleted", func(ctx context.Context, s *session) (string, error) {
				return args[0], s.app.DeleteType(ctx, args[0], merge)
			})
		},
	}
	cmd.Flags().StringVar(&merge, "merge", "", "move todos of the deleted type to this type")
	return cmd
}

func newTypeListCommand(opts *TodoOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List todo types",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			s, err := openSession(ctx, opts.RootOptions)
			if err != nil {
				return err
			}
			defer s.Close()

			types, err := s.app.Types(ctx)
			if err != nil {
				return operationError("failed to list types", err)
			}
			list := make(TypeList, 0, len(types))
			for _, t := range types {
				list = append(list, typeView(t))
			}
			return opts.formatter(cmd).Success(list)
		},
	}
}
