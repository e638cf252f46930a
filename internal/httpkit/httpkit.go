// Package httpkit builds the outbound HTTP clients used by every
// component that talks to the network: backend adapters, web tools,
// and MCP transports. Centralizing construction keeps timeouts,
// pooling, and the User-Agent consistent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/kwall/drover/internal/buildinfo"
)

const defaultClientTimeout = 30 * time.Second

// ClientOption configures a Client built by NewClient.
type ClientOption func(*options)

type options struct {
	timeout   time.Duration
	userAgent string
	transport *http.Transport
}

// WithTimeout sets the whole-request timeout. Pass zero for streaming
// clients, which must bound requests with context deadlines instead.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(o *options) { o.userAgent = ua }
}

// WithTransport substitutes the pooled default transport.
func WithTransport(t *http.Transport) ClientOption {
	return func(o *options) { o.transport = t }
}

// NewTransport returns the standard pooled transport: 10s dial and TLS
// handshake, 15s response-header wait, up to 5 idle connections per
// host kept 90s.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   5,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client that stamps the Drover User-Agent
// on requests that lack one.
func NewClient(opts ...ClientOption) *http.Client {
	o := options{
		timeout:   defaultClientTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := o.transport
	if base == nil {
		base = NewTransport()
	}

	return &http.Client{
		Timeout:   o.timeout,
		Transport: uaRoundTripper{base: base, ua: o.userAgent},
	}
}

type uaRoundTripper struct {
	base http.RoundTripper
	ua   string
}

func (t uaRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.ua)
	return t.base.RoundTrip(clone)
}

// DrainAndClose consumes up to limit bytes from rc and closes it so
// the underlying connection can return to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody returns up to limit bytes of rc for inclusion in an
// error message, draining and closing the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
