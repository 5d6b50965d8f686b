package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danielstaleiny/CRDT-sqlite/internal/replica"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Interval time.Duration
	NoFeed   bool
}

// WatchEvent is printed for every sync that received messages.
type WatchEvent struct {
	Time     time.Time `json:"time"`
	Received int       `json:"received"`
	Sent     int       `json:"sent"`
	Changed  bool      `json:"changed"`
}

// RenderText prints the event on one line.
func (e WatchEvent) RenderText(w io.Writer) {
	state := "up to date"
	if e.Changed {
		state = "updated"
	}
	fmt.Fprintf(w, "%s  %s: sent %d, received %d\n", e.Time.Format(time.TimeOnly), state, e.Sent, e.Received)
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the replica in sync until interrupted",
		Long: `Keep the replica in sync until interrupted.

The replica syncs on an interval and, unless --no-feed is given, also as soon
as the server reports a change from another replica of the group. While the
server is unreachable, retries back off exponentially.

Examples:
  crdt watch --endpoint http://localhost:8006
  crdt watch --interval 30s --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "sync interval (default from config)")
	cmd.Flags().BoolVar(&opts.NoFeed, "no-feed", false, "poll only; do not follow the change feed")

	return cmd
}

func runWatch(ctx context.Context, opts *WatchOptions, cmd *cobra.Command) error {
	s, err := openSession(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if s.endpoint == "" {
		return NewExitError(ExitCommandError, "no sync endpoint: set --endpoint, CRDT_ENDPOINT or discover")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	out := opts.formatter(cmd)

	// A replica that starts offline still watches; the loop retries.
	summary, err := syncOnce(ctx, s, true)
	switch {
	case err == nil:
		_ = out.Success(summary)
	case syncer.IsTransportError(err):
		slog.Warn("server unreachable; will retry", "endpoint", s.endpoint, "error", err)
	default:
		return err
	}

	s.engine.OnSync(func(ev replica.SyncEvent) {
		if !ev.Remote || ev.Result == nil || (ev.Result.Received == 0 && ev.Result.Sent == 0) {
			return
		}
		_ = out.Success(WatchEvent{
			Time:     time.Now(),
			Received: ev.Result.Received,
			Sent:     ev.Result.Sent,
			Changed:  ev.Changed,
		})
	})

	interval := opts.Interval
	if interval <= 0 {
		interval = s.cfg.SyncInterval
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.engine.RunBackground(gctx, replica.Schedule{Interval: interval})
	})
	if !opts.NoFeed {
		w := syncer.NewWatcher(s.endpoint, s.cfg.GroupID, s.engine.Node(), slog.Default())
		g.Go(func() error {
			return s.engine.Watch(gctx, w)
		})
	}

	if err := g.Wait(); err != nil {
		return operationError("background sync stopped", err)
	}
	return nil
}
