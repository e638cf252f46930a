package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/kwall/drover/internal/httpkit"
)

// HTTPConfig configures a streamable-HTTP MCP transport (JSON-RPC over
// POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are sent with every request (Authorization etc).
	Headers map[string]string

	Logger *slog.Logger
}

// HTTPTransport sends each JSON-RPC message as an HTTP POST and reads
// the reply from the response body. A server-assigned Mcp-Session
// header is echoed back for session affinity.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.RWMutex
	session string
}

// NewHTTPTransport creates an HTTP transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpkit.NewClient(),
		logger:  logger,
	}
}

func (t *HTTPTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.session != "" {
		req.Header.Set("Mcp-Session", t.session)
	}
	t.mu.RUnlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.url, err)
	}

	if sid := resp.Header.Get("Mcp-Session"); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send posts a request and decodes the JSON-RPC response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	hr, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(hr.Body, 1<<20)

	if hr.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(hr.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", hr.StatusCode, errBody)
	}

	var resp Response
	if err := json.NewDecoder(io.LimitReader(hr.Body, 10<<20)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode MCP response: %w", err)
	}
	return &resp, nil
}

// Notify posts a notification. 200 and 202 are both accepted.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	hr, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(hr.Body, 1<<20)

	if hr.StatusCode != http.StatusOK && hr.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(hr.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", hr.StatusCode, errBody)
	}
	return nil
}

// Close is a no-op; the HTTP client pools connections itself.
func (t *HTTPTransport) Close() error {
	return nil
}
