package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/danielstaleiny/CRDT-sqlite/internal/config"
	"github.com/danielstaleiny/CRDT-sqlite/internal/crdt"
	"github.com/danielstaleiny/CRDT-sqlite/internal/discovery"
	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/replica"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/boltstore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/memstore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/store/sqlitestore"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
	"github.com/danielstaleiny/CRDT-sqlite/internal/todo"
)

// session is an opened replica with its todo application.
type session struct {
	cfg      config.Config
	endpoint string
	engine   *replica.Engine
	app      *todo.App
}

func (s *session) Close() {
	if err := s.engine.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// openStorage opens the configured replica backend.
func openStorage(cfg config.Config) (store.Storage, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.DB)
	case config.BackendBolt:
		return boltstore.Open(cfg.DB)
	case config.BackendMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// resolveEndpoint returns the configured endpoint, or browses the local
// network for a server of the group when discovery is on. Empty means the
// replica works offline.
func resolveEndpoint(ctx context.Context, cfg config.Config) (string, error) {
	if cfg.Endpoint != "" || !cfg.Discover {
		return cfg.Endpoint, nil
	}

	ctx, cancel := context.WithTimeout(ctx, discovery.DefaultBrowseTimeout)
	defer cancel()

	peer, err := discovery.Find(ctx, cfg.GroupID)
	if errors.Is(err, discovery.ErrNotFound) {
		slog.Warn("no sync server discovered; working offline", "group", cfg.GroupID)
		return "", nil
	}
	if err != nil {
		return "", err
	}
	slog.Info("discovered sync server", "instance", peer.Instance, "endpoint", peer.Endpoint)
	return peer.Endpoint, nil
}

// openSession opens the replica named by the resolved configuration.
func openSession(ctx context.Context, opts *RootOptions) (*session, error) {
	cfg, err := opts.Config()
	if err != nil {
		return nil, err
	}

	storage, err := openStorage(cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err).withReason(CodeStorage)
	}

	st, err := crdt.Open(ctx, storage,
		crdt.WithDatasets(todo.Datasets...),
		crdt.WithNodeID(cfg.NodeID),
		crdt.WithClockOptions(hlc.WithMaxDrift(cfg.MaxDrift)),
		crdt.WithLogger(slog.Default()),
	)
	if err != nil {
		_ = storage.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open replica", err).withReason(CodeStorage)
	}

	endpoint, err := resolveEndpoint(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to discover sync server", err).withReason(CodeConfig)
	}

	var transport syncer.Transport
	if endpoint != "" {
		transport = syncer.NewHTTPTransport(endpoint, cfg.RequestTimeout,
			syncer.WithTransportLogger(slog.Default()))
	}

	engine := replica.New(st, transport, cfg.GroupID,
		replica.WithSyncOptions(
			syncer.WithMaxRounds(cfg.MaxRounds),
			syncer.WithLogger(slog.Default()),
		),
		replica.WithLogger(slog.Default()),
	)

	return &session{
		cfg:      cfg,
		endpoint: endpoint,
		engine:   engine,
		app:      todo.New(engine),
	}, nil
}

// operationError maps a failed replica operation to an exit code.
func operationError(message string, err error) error {
	switch {
	case crdt.IsRowNotFound(err):
		return WrapExitError(ExitFailure, message, err)
	case syncer.IsTransportError(err):
		return WrapExitError(ExitOffline, message, err)
	case errors.Is(err, replica.ErrNoTransport):
		return WrapExitError(ExitCommandError, message, err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}
