// Package mcp implements MCP (Model Context Protocol) client support,
// letting Drover connect to external MCP servers and expose their
// tools to the agent loop.
//
// MCP uses JSON-RPC 2.0 over two transports: stdio (subprocess) and
// streamable HTTP. The client discovers tools via tools/list and
// invokes them via tools/call. Discovered tools are bridged into the
// tool registry so the model sees them as native tools; the approval
// gate treats them like any other registered tool.
//
// Client side only. Drover does not act as an MCP server.
package mcp
