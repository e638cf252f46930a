package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kwall/drover/internal/tool"
)

var nonWord = regexp.MustCompile(`[^a-z0-9_]`)

// BridgeTools discovers the server's tools and registers them on reg.
// Names are namespaced "mcp_{server}_{tool}" so they cannot collide
// with built-in tools. Bridged tools carry CategoryGeneral; the
// approval gate's conservative mode therefore does not auto-flag them,
// but a Policy still sees every call.
//
// include and exclude filter by the tool's MCP name: a non-empty
// include list is an allowlist, otherwise exclude entries are skipped.
// Returns the number of tools registered.
func BridgeTools(ctx context.Context, client *Client, serverName string, reg *tool.Registry, include, exclude []string, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools on %s: %w", serverName, err)
	}

	allow := nameSet(include)
	deny := nameSet(exclude)

	registered := 0
	for _, td := range defs {
		if len(allow) > 0 {
			if !allow[td.Name] {
				continue
			}
		} else if deny[td.Name] {
			continue
		}

		name := ToolName(serverName, td.Name)
		if err := reg.Register(bridgedDefinition(name, td), bridgedHandler(client, td.Name)); err != nil {
			return registered, fmt.Errorf("register %s: %w", name, err)
		}
		registered++

		logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool_name", name,
			"server", serverName,
		)
	}
	return registered, nil
}

// ToolName builds the namespaced registry name for an MCP tool. Both
// components are sanitized to lowercase alphanumerics and underscores.
func ToolName(serverName, mcpToolName string) string {
	return fmt.Sprintf("mcp_%s_%s", sanitize(serverName), sanitize(mcpToolName))
}

func bridgedDefinition(name string, td ToolDefinition) tool.Definition {
	params := td.InputSchema
	if params != nil {
		if typ, _ := params["type"].(string); typ != "object" {
			// Some servers omit the top-level type; the registry
			// requires object-typed schemas.
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	}
	return tool.Definition{
		Name:        name,
		Description: td.Description,
		Parameters:  params,
		Category:    tool.CategoryGeneral,
	}
}

func bridgedHandler(client *Client, mcpName string) tool.Handler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		return client.CallTool(ctx, mcpName, args)
	}
}

// sanitize lowercases and collapses everything outside [a-z0-9_].
func sanitize(name string) string {
	out := nonWord.ReplaceAllString(strings.ToLower(name), "_")
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

func nameSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
