package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	NoSeed bool
}

// SyncSummary is the outcome of one sync command.
type SyncSummary struct {
	Endpoint string `json:"endpoint"`
	Group    string `json:"group"`
	Rounds   int    `json:"rounds"`
	Sent     int    `json:"sent"`
	Received int    `json:"received"`
	Changed  bool   `json:"changed"`
	Seeded   bool   `json:"seeded"`
	Merkle   uint64 `json:"merkle"`
}

// RenderText prints the summary on one line.
func (s SyncSummary) RenderText(w io.Writer) {
	state := "up to date"
	if s.Changed {
		state = "updated"
	}
	fmt.Fprintf(w, "Synced with %s (group %s): %s, sent %d, received %d in %d round(s)\n",
		s.Endpoint, s.Group, state, s.Sent, s.Received, s.Rounds)
	if s.Seeded {
		fmt.Fprintln(w, "Created default todo types.")
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange messages with the sync server once",
		Long: `Exchange messages with the sync server until both sides agree.

Local edits that never reached the server are found through the merkle
comparison and sent, so edits made while offline are pushed by the next sync.
After the first successful sync of a replica without todo types, the default
types are created and pushed.

Exit codes:
  0 - Replica and server agree
  1 - The server refused the exchange
  2 - Command error (no endpoint configured, bad config, etc.)
  3 - The server could not be reached

Examples:
  crdt sync --endpoint http://localhost:8006
  crdt sync --config ./crdt.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.NoSeed, "no-seed", false, "do not create the default todo types")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.endpoint == "" {
		return NewExitError(ExitCommandError, "no sync endpoint: set --endpoint, CRDT_ENDPOINT or discover")
	}

	summary, err := syncOnce(ctx, s, !opts.NoSeed)
	if err != nil {
		return err
	}
	return opts.formatter(cmd).Success(summary)
}

// syncOnce runs one sync and, when seed is set, seeds the default types
// afterwards and pushes them with a second sync.
func syncOnce(ctx context.Context, s *session, seed bool) (SyncSummary, error) {
	summary := SyncSummary{Endpoint: s.endpoint, Group: s.cfg.GroupID}

	res, err := s.engine.Sync(ctx)
	if err != nil {
		return summary, operationError("sync failed", err)
	}
	summary.add(res)

	if seed {
		seeded, err := s.app.SeedDefaultTypes(ctx)
		if err != nil {
			return summary, operationError("failed to seed todo types", err)
		}
		if seeded {
			summary.Seeded = true
			res, err := s.engine.Sync(ctx)
			if err != nil {
				return summary, operationError("sync failed", err)
			}
			summary.add(res)
		}
	}

	summary.Merkle = s.engine.Store().MerkleHash()
	return summary, nil
}

func (s *SyncSummary) add(res *syncer.Result) {
	s.Rounds += res.Rounds
	s.Sent += res.Sent
	s.Received += res.Received
	s.Changed = s.Changed || res.Changed
}
