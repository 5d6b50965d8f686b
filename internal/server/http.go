package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/danielstaleiny/CRDT-sqlite/internal/hlc"
	"github.com/danielstaleiny/CRDT-sqlite/internal/syncer"
)

// maxRequestSize caps the body of a sync request.
const maxRequestSize = 32 << 20

// Watch connection timing.
const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
	readTimeout  = 2 * pingInterval
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type handler struct {
	relay    *Relay
	notifier Notifier
	logger   *slog.Logger
}

// NewRouter returns the HTTP API of the relay:
//
//	POST /sync    one sync round (JSON syncer.Request / syncer.Response)
//	GET  /watch   websocket change feed (?group_id=&client_id=)
//	GET  /healthz liveness
//
// notifier may be nil, in which case /watch answers 503.
func NewRouter(relay *Relay, notifier Notifier, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{relay: relay, notifier: notifier, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Post("/sync", h.sync)
	r.Get("/watch", h.watch)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// requestID ensures every request carries a correlation id, reusing the
// client's when present.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(syncer.RequestIDHeader)
		if id == "" {
			id = ulid.Make().String()
			r.Header.Set(syncer.RequestIDHeader, id)
		}
		w.Header().Set(syncer.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(syncer.RequestIDHeader)
	start := time.Now()

	var req syncer.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestSize)).Decode(&req); err != nil {
		h.logger.Info("sync rejected", "request_id", id, "error", err)
		writeError(w, http.StatusBadRequest, "decode request: "+err.Error())
		return
	}

	resp, err := h.relay.Handle(r.Context(), &req)
	if err != nil {
		if IsBadRequest(err) {
			h.logger.Info("sync rejected", "request_id", id, "group", req.GroupID, "error", err)
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("sync failed", "request_id", id, "group", req.GroupID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.logger.Info("sync",
		"request_id", id,
		"group", req.GroupID,
		"client", req.ClientID,
		"received", len(req.Messages),
		"sent", len(resp.Messages),
		"elapsed", time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) watch(w http.ResponseWriter, r *http.Request) {
	if h.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "change feed disabled")
		return
	}
	group := r.URL.Query().Get("group_id")
	client := r.URL.Query().Get("client_id")
	if group == "" {
		writeError(w, http.StatusBadRequest, "missing group_id")
		return
	}
	if client != "" {
		if err := hlc.ValidateNode(client); err != nil {
			writeError(w, http.StatusBadRequest, "client_id: "+err.Error())
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("watch upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := h.notifier.Subscribe(group)
	defer sub.Close()
	h.logger.Info("watcher connected", "group", group, "client", client)

	// The read loop only detects disconnects and answers pongs.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(readTimeout))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			h.logger.Info("watcher disconnected", "group", group, "client", client)
			return
		case <-r.Context().Done():
			return
		case n, ok := <-sub.C:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			if n.ClientID == client {
				continue
			}
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
