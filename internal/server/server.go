package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Server serves a relay over HTTP.
type Server struct {
	relay    *Relay
	store    GroupStore
	notifier Notifier
	logger   *slog.Logger
	http     *http.Server
}

// New returns a server for store and notifier. The server owns both and
// closes them on shutdown. notifier may be nil.
func New(store GroupStore, notifier Notifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	relay := NewRelay(store, notifier, logger)
	return &Server{
		relay:    relay,
		store:    store,
		notifier: notifier,
		logger:   logger,
		http: &http.Server{
			Handler:           NewRouter(relay, notifier, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Relay returns the sync relay.
func (s *Server) Relay() *Relay {
	return s.relay
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully and closes the stores.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("sync server listening", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errc:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		serveErr = s.http.Shutdown(shutdownCtx)
		<-errc
	}
	if errors.Is(serveErr, http.ErrServerClosed) {
		serveErr = nil
	}

	// Shutdown does not track hijacked websockets; closing the feed ends them.
	if s.notifier != nil {
		s.notifier.Close()
	}
	if err := s.store.Close(); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("close store: %w", err)
	}
	s.logger.Info("sync server stopped")
	return serveErr
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}
