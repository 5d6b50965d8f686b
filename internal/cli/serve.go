package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danielstaleiny/CRDT-sqlite/internal/config"
	"github.com/danielstaleiny/CRDT-sqlite/internal/discovery"
	"github.com/danielstaleiny/CRDT-sqlite/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr          string
	ServerDB      string
	PostgresURL   string
	RedisAddr     string
	Memory        bool
	Advertise     bool
	AdvertiseName string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server that relays messages between the replicas of each group.

Messages are stored per group in SQLite, or in PostgreSQL with --postgres-url.
With --redis-addr, change notices are fanned out across server instances so
that watching replicas on any instance sync promptly. With --advertise, the
server registers itself on the local network over mDNS.

Examples:
  crdt serve --addr :8006
  crdt serve --postgres-url postgres://crdt@localhost/crdt --redis-addr localhost:6379
  crdt serve --memory --advertise`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default "+config.DefaultServerAddr+")")
	cmd.Flags().StringVar(&opts.ServerDB, "server-db", "", "SQLite path of the group message store")
	cmd.Flags().StringVar(&opts.PostgresURL, "postgres-url", "", "store group messages in PostgreSQL")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "fan out change notices through Redis")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "keep group messages in memory only")
	cmd.Flags().BoolVar(&opts.Advertise, "advertise", false, "advertise the server over mDNS")
	cmd.Flags().StringVar(&opts.AdvertiseName, "advertise-name", "", "mDNS instance name (default: host name)")

	return cmd
}

// serverConfig applies the serve flags over the configured server section.
func (o *ServeOptions) serverConfig() (config.Server, error) {
	cfg, err := o.Config()
	if err != nil {
		return config.Server{}, err
	}
	sc := cfg.Server
	for dst, v := range map[*string]string{
		&sc.Addr:          o.Addr,
		&sc.DB:            o.ServerDB,
		&sc.PostgresURL:   o.PostgresURL,
		&sc.RedisAddr:     o.RedisAddr,
		&sc.AdvertiseName: o.AdvertiseName,
	} {
		if v != "" {
			*dst = v
		}
	}
	sc.Advertise = sc.Advertise || o.Advertise
	return sc, nil
}

// openGroupStore picks PostgreSQL, memory or SQLite, in that order.
func openGroupStore(ctx context.Context, sc config.Server, memory bool) (server.GroupStore, error) {
	switch {
	case sc.PostgresURL != "":
		return server.OpenPostgres(ctx, sc.PostgresURL)
	case memory:
		return server.NewMemoryStore(), nil
	default:
		return server.OpenSQLite(sc.DB)
	}
}

func openNotifier(ctx context.Context, sc config.Server, logger *slog.Logger) (server.Notifier, error) {
	if sc.RedisAddr == "" {
		return server.NewHub(logger), nil
	}
	return server.NewRedisNotifier(ctx, sc.RedisAddr, logger)
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	sc, err := opts.serverConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	groups, err := openGroupStore(ctx, sc, opts.Memory)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open message store", err).withReason(CodeStorage)
	}

	notifier, err := openNotifier(ctx, sc, logger)
	if err != nil {
		_ = groups.Close()
		return WrapExitError(ExitCommandError, "failed to connect notifier", err)
	}

	ln, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		_ = notifier.Close()
		_ = groups.Close()
		return WrapExitError(ExitCommandError, "failed to listen", err)
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

	if sc.Advertise {
		name := sc.AdvertiseName
		if name == "" {
			name, _ = os.Hostname()
		}
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(name, port, "", logger)
		if err != nil {
			slog.Warn("mDNS advertisement failed; serving without it", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	srv := server.New(groups, notifier, logger)
	fmt.Fprintf(cmd.OutOrStdout(), "Sync server listening on %s\n", ln.Addr())

	if err := srv.Serve(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}
