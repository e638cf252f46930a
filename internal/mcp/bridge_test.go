package mcp

import (
	"context"
	"testing"

	"github.com/kwall/drover/internal/tool"
)

func TestToolName(t *testing.T) {
	tests := []struct {
		server  string
		mcpName string
		want    string
	}{
		{"github", "create_issue", "mcp_github_create_issue"},
		{"my-server", "do-thing", "mcp_my_server_do_thing"},
		{"My Server", "Do Thing", "mcp_my_server_do_thing"},
		{"test", "UPPERCASE", "mcp_test_uppercase"},
		{"a--b", "c--d", "mcp_a_b_c_d"},
		{"special!@#", "chars$%^", "mcp_special_chars"},
	}

	for _, tt := range tests {
		t.Run(tt.server+"/"+tt.mcpName, func(t *testing.T) {
			if got := ToolName(tt.server, tt.mcpName); got != tt.want {
				t.Errorf("ToolName(%q, %q) = %q, want %q", tt.server, tt.mcpName, got, tt.want)
			}
		})
	}
}

func listResponse(names ...string) toolListReply {
	var result toolListReply
	for _, n := range names {
		result.Tools = append(result.Tools, ToolDefinition{
			Name:        n,
			Description: "tool " + n,
			InputSchema: map[string]any{"type": "object"},
		})
	}
	return result
}

func TestBridgeToolsRegistersAll(t *testing.T) {
	st := newStubTransport()
	st.stubResult("tools/list", toolListReply{
		Tools: []ToolDefinition{
			{Name: "lookup_ticket", Description: "Look up a ticket", InputSchema: map[string]any{"type": "object"}},
			{
				Name:        "close_ticket",
				Description: "Close a ticket",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"id": map[string]any{"type": "integer"},
					},
				},
			},
		},
	})

	client := NewClient("tracker", st, nil)
	reg := tool.NewRegistry()

	count, err := BridgeTools(context.Background(), client, "tracker", reg, nil, nil, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	def, _, err := reg.Get("mcp_tracker_close_ticket")
	if err != nil {
		t.Fatalf("bridged tool missing: %v", err)
	}
	if def.Category != tool.CategoryGeneral {
		t.Errorf("category = %q, want general", def.Category)
	}
	props, ok := def.Parameters["properties"].(map[string]any)
	if !ok {
		t.Fatal("parameters missing properties")
	}
	if _, ok := props["id"]; !ok {
		t.Error("schema not passed through")
	}
}

func TestBridgeToolsIncludeFilter(t *testing.T) {
	st := newStubTransport()
	st.stubResult("tools/list", listResponse("alpha", "beta", "gamma"))

	client := NewClient("srv", st, nil)
	reg := tool.NewRegistry()

	count, err := BridgeTools(context.Background(), client, "srv", reg, []string{"alpha", "gamma"}, nil, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if _, _, err := reg.Get("mcp_srv_beta"); err == nil {
		t.Error("beta should have been filtered out")
	}
}

func TestBridgeToolsExcludeFilter(t *testing.T) {
	st := newStubTransport()
	st.stubResult("tools/list", listResponse("alpha", "beta", "gamma"))

	client := NewClient("srv", st, nil)
	reg := tool.NewRegistry()

	count, err := BridgeTools(context.Background(), client, "srv", reg, nil, []string{"beta"}, nil)
	if err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
	if _, _, err := reg.Get("mcp_srv_beta"); err == nil {
		t.Error("beta should have been excluded")
	}
}

func TestBridgeToolsHandlerProxiesCall(t *testing.T) {
	st := newStubTransport()
	st.stubResult("tools/list", listResponse("lookup_ticket"))
	st.stubResult("tools/call", toolCallReply{
		Content: []ContentBlock{{Type: "text", Text: "ticket #7 closed"}},
	})

	client := NewClient("tracker", st, nil)
	reg := tool.NewRegistry()

	if _, err := BridgeTools(context.Background(), client, "tracker", reg, nil, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}

	_, handler, err := reg.Get("mcp_tracker_lookup_ticket")
	if err != nil {
		t.Fatalf("bridged tool missing: %v", err)
	}

	result, err := handler(context.Background(), map[string]any{"id": 7})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if result != "ticket #7 closed" {
		t.Errorf("result = %q", result)
	}

	// The wire call must use the original MCP name, not the namespaced one.
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, req := range st.sent {
		if req.Method != "tools/call" {
			continue
		}
		params, _ := req.Params.(map[string]any)
		if params["name"] != "lookup_ticket" {
			t.Errorf("tools/call used name %v, want lookup_ticket", params["name"])
		}
	}
}

func TestBridgeToolsFixesNonObjectSchema(t *testing.T) {
	st := newStubTransport()
	st.stubResult("tools/list", toolListReply{
		Tools: []ToolDefinition{
			{Name: "odd", Description: "schema without a type", InputSchema: map[string]any{"properties": map[string]any{}}},
		},
	})

	client := NewClient("srv", st, nil)
	reg := tool.NewRegistry()

	if _, err := BridgeTools(context.Background(), client, "srv", reg, nil, nil, nil); err != nil {
		t.Fatalf("BridgeTools: %v", err)
	}
	def, _, err := reg.Get("mcp_srv_odd")
	if err != nil {
		t.Fatalf("bridged tool missing: %v", err)
	}
	if typ, _ := def.Parameters["type"].(string); typ != "object" {
		t.Errorf("schema type = %q, want object", typ)
	}
}
