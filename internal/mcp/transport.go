package mcp

import "context"

// Transport delivers JSON-RPC messages to an MCP server over a
// specific mechanism (subprocess stdio or HTTP).
type Transport interface {
	// Send issues a request and returns the matched response. The
	// transport handles framing, encoding, and correlation.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification. No response is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Close releases transport resources. For stdio transports this
	// terminates the subprocess.
	Close() error
}
