package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestIDHeader carries the correlation id of one exchange.
const RequestIDHeader = "X-Request-Id"

// DefaultTimeout bounds one HTTP exchange.
const DefaultTimeout = 10 * time.Second

// maxResponseSize caps how much of a response body is read.
const maxResponseSize = 64 << 20

// HTTPTransport posts sync requests as JSON to <endpoint>/sync.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// HTTPOption configures an HTTPTransport.
type HTTPOption func(*HTTPTransport)

// WithHTTPClient replaces the HTTP client. Its Timeout still applies.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(t *HTTPTransport) { t.client = c }
}

// WithTransportLogger sets the logger (default slog.Default()).
func WithTransportLogger(l *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) { t.logger = l }
}

// NewHTTPTransport returns a transport for the sync server at endpoint.
// A timeout <= 0 selects DefaultTimeout.
func NewHTTPTransport(endpoint string, timeout time.Duration, opts ...HTTPOption) *HTTPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	t := &HTTPTransport{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Endpoint returns the base URL of the sync server.
func (t *HTTPTransport) Endpoint() string {
	return t.endpoint
}

// Exchange implements Transport.
func (t *HTTPTransport) Exchange(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode request", Err: err}
	}

	id := ulid.Make().String()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+"/sync", bytes.NewReader(body))
	if err != nil {
		return nil, &ProtocolError{Reason: "build request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(RequestIDHeader, id)

	start := time.Now()
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		t.logger.Warn("sync request failed", "request_id", id, "endpoint", t.endpoint, "error", err)
		return nil, networkFailure(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, networkFailure(err)
	}

	t.logger.Debug("sync exchange",
		"request_id", id,
		"status", httpResp.StatusCode,
		"sent", len(req.Messages),
		"elapsed", time.Since(start))

	switch {
	case httpResp.StatusCode >= 500:
		return nil, &TransportError{
			Reason: ReasonNetworkFailure,
			Status: httpResp.StatusCode,
			Err:    errors.New(statusText(data, httpResp.StatusCode)),
		}
	case httpResp.StatusCode >= 400:
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("status %d", httpResp.StatusCode),
			Err:    errors.New(statusText(data, httpResp.StatusCode)),
		}
	case httpResp.StatusCode != http.StatusOK:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unexpected status %d", httpResp.StatusCode)}
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Reason: "decode response", Err: err}
	}
	return &resp, nil
}

// statusText prefers the server's error message over the generic status text.
func statusText(body []byte, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return http.StatusText(status)
}
