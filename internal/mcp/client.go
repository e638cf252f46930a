package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kwall/drover/internal/buildinfo"
)

// protocolVersion is the MCP revision advertised during the handshake.
const protocolVersion = "2024-11-05"

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolCallReply struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolListReply struct {
	Tools []ToolDefinition `json:"tools"`
}

type peerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type peerCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

type handshakeReply struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ServerInfo      peerInfo         `json:"serverInfo"`
	Capabilities    peerCapabilities `json:"capabilities"`
}

// Client drives one MCP server through its lifecycle: handshake, tool
// discovery, tool invocation.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64

	mu          sync.RWMutex
	initialized bool
	srvName     string
	srvVersion  string
	toolCache   []ToolDefinition
}

// NewClient creates a client for the named server over the given
// transport.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("server", name),
	}
}

// Name returns the configured server name.
func (c *Client) Name() string {
	return c.name
}

// Initialize performs the MCP handshake: an initialize request
// followed by the notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) error {
	var res handshakeReply
	err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "drover",
			"version": buildinfo.Version,
		},
	}, &res)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.srvName = res.ServerInfo.Name
	c.srvVersion = res.ServerInfo.Version
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", res.ServerInfo.Name,
		"server_version", res.ServerInfo.Version,
		"protocol_version", res.ProtocolVersion,
	)

	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// ListTools calls tools/list. The result is cached; later calls return
// the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	cached := c.toolCache
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	var res toolListReply
	if err := c.call(ctx, "tools/list", nil, &res); err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	c.mu.Lock()
	c.toolCache = res.Tools
	c.mu.Unlock()

	c.logger.Info("MCP tool discovery complete", "count", len(res.Tools))
	return res.Tools, nil
}

// CallTool invokes a tool by its MCP name. The response content blocks
// are flattened into one string; non-text blocks become inline markers
// like "[image]".
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	var res toolCallReply
	err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	}, &res)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	text := extractText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}
	return text, nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", nil, nil)
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Info("shutting down MCP client")
	return c.transport.Close()
}

// call sends one request and decodes the result into out (when out is
// non-nil). A JSON-RPC error response comes back as an *RPCError.
func (c *Client) call(ctx context.Context, method string, params any, out any) error {
	resp, err := c.transport.Send(ctx, NewRequest(c.nextID.Add(1), method, params))
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

func extractText(blocks []ContentBlock) string {
	chunks := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			chunks = append(chunks, b.Text)
			continue
		}
		chunks = append(chunks, fmt.Sprintf("[%s]", b.Type))
	}
	return strings.Join(chunks, "\n")
}
