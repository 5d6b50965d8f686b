package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Watcher timing.
const (
	watchPingInterval = 30 * time.Second
	watchReadTimeout  = 2 * watchPingInterval
	watchWriteTimeout = 5 * time.Second
)

// Watcher subscribes to a sync server's change feed for one group.
type Watcher struct {
	endpoint string
	groupID  string
	clientID string
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

// NewWatcher returns a watcher for the server at endpoint (http or https).
// Notices caused by clientID itself are filtered by the server.
func NewWatcher(endpoint, groupID, clientID string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		endpoint: strings.TrimRight(endpoint, "/"),
		groupID:  groupID,
		clientID: clientID,
		dialer:   websocket.DefaultDialer,
		logger:   logger,
	}
}

// URL returns the websocket URL of the change feed.
func (w *Watcher) URL() (string, error) {
	u, err := url.Parse(w.endpoint)
	if err != nil {
		return "", fmt.Errorf("watch url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("watch url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/watch"
	q := u.Query()
	q.Set("group_id", w.groupID)
	q.Set("client_id", w.clientID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Watch connects and calls fn for every notice until ctx is cancelled or
// the connection fails. Connection failures are returned as TransportError
// so callers can reconnect with backoff.
func (w *Watcher) Watch(ctx context.Context, fn func(Notice)) error {
	target, err := w.URL()
	if err != nil {
		return err
	}

	ws, _, err := w.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return networkFailure(err)
	}
	defer ws.Close()
	w.logger.Info("watching change feed", "url", target)

	ws.SetReadDeadline(time.Now().Add(watchReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(watchReadTimeout))
	})

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(watchPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-watchCtx.Done():
				deadline := time.Now().Add(watchWriteTimeout)
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				ws.Close()
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(watchWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return networkFailure(err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var n Notice
		if err := json.Unmarshal(data, &n); err != nil {
			w.logger.Warn("bad change notice", "error", err)
			continue
		}
		w.logger.Debug("change notice", "group", n.GroupID, "from", n.ClientID, "count", n.Count)
		fn(n)
	}
}
