package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/todo"
)

// Inspection describes the synchronization state of a replica.
type Inspection struct {
	Node     string         `json:"node"`
	Clock    string         `json:"clock"`
	Merkle   uint64         `json:"merkle"`
	Messages int            `json:"messages"`
	Rows     map[string]int `json:"rows"`
	Group    string         `json:"group"`
	Endpoint string         `json:"endpoint,omitempty"`
	History  []HistoryEntry `json:"history,omitempty"`
}

// HistoryEntry is one message that targeted the inspected row.
type HistoryEntry struct {
	Timestamp string `json:"timestamp"`
	Column    string `json:"column"`
	Value     any    `json:"value"`
}

// RenderText prints the state as aligned key/value lines.
func (in Inspection) RenderText(w io.Writer) {
	fmt.Fprintf(w, "node:      %s\n", in.Node)
	fmt.Fprintf(w, "clock:     %s\n", in.Clock)
	fmt.Fprintf(w, "merkle:    %d\n", in.Merkle)
	fmt.Fprintf(w, "messages:  %d\n", in.Messages)
	for _, d := range todo.Datasets {
		fmt.Fprintf(w, "rows:      %s=%d\n", d, in.Rows[d])
	}
	fmt.Fprintf(w, "group:     %s\n", in.Group)
	if in.Endpoint != "" {
		fmt.Fprintf(w, "endpoint:  %s\n", in.Endpoint)
	}
	for _, h := range in.History {
		fmt.Fprintf(w, "  %s  %s = %v\n", h.Timestamp, h.Column, h.Value)
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	var row string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the clock, merkle root and log size of the replica",
		Long: `Show the clock, merkle root and log size of the replica.

Two replicas that have seen the same messages report the same merkle root.
With --row, the messages that targeted one row are listed newest first.

Examples:
  crdt inspect
  crdt inspect --row todos/<id> --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.engine.Store()
			in := Inspection{
				Node:     st.Node(),
				Clock:    st.Clock().Last().String(),
				Merkle:   st.MerkleHash(),
				Rows:     make(map[string]int, len(todo.Datasets)),
				Group:    s.cfg.GroupID,
				Endpoint: s.endpoint,
			}
			if in.Messages, err = st.CountMessages(ctx); err != nil {
				return operationError("failed to count messages", err)
			}
			for _, d := range todo.Datasets {
				if in.Rows[d], err = st.Count(ctx, d, crdt.ReadAll); err != nil {
					return operationError("failed to count rows", err)
				}
			}

			if row != "" {
				dataset, id, ok := strings.Cut(row, "/")
				if !ok || dataset == "" || id == "" {
					return NewExitError(ExitCommandError, "--row must be <dataset>/<id>")
				}
				msgs, err := st.History(ctx, dataset, id)
				if err != nil {
					return operationError("failed to read history", err)
				}
				for _, m := range msgs {
					in.History = append(in.History, HistoryEntry{
						Timestamp: m.Timestamp.String(),
						Column:    m.Column,
						Value:     m.Value,
					})
				}
			}

			return rootOpts.formatter(cmd).Success(in)
		},
	}

	cmd.Flags().StringVar(&row, "row", "", "list the history of <dataset>/<id>")

	return cmd
}

// NewRebuildCommand creates the rebuild command.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Re-derive rows and the merkle index from the message log",
		Long: `Drop every projected row and the merkle index and rebuild both by
replaying the message log in timestamp order. The log itself is not changed.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)

			s, err := openSession(ctx, rootOpts)
			if err != nil {
				return err
			}
			defer s.Close()

			st := s.engine.Store()
			if err := st.Rebuild(ctx); err != nil {
				return WrapExitError(ExitFailure, "rebuild failed", err)
			}
			n, err := st.CountMessages(ctx)
			if err != nil {
				return operationError("failed to count messages", err)
			}
			return rootOpts.formatter(cmd).Success(fmt.Sprintf("Rebuilt from %d messages, merkle %d", n, st.MerkleHash()))
		},
	}
}
