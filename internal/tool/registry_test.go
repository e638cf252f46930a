package tool

import (
	"context"
	"errors"
	"testing"
)

func noopHandler(ctx context.Context, args map[string]any) (string, error) {
	return "ok", nil
}

func objectSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name    string
		def     Definition
		handler Handler
		wantErr bool
	}{
		{
			name:    "valid",
			def:     Definition{Name: "read_file", Category: CategoryFilesystem, Parameters: objectSchema()},
			handler: noopHandler,
		},
		{
			name:    "empty name",
			def:     Definition{Category: CategoryGeneral},
			handler: noopHandler,
			wantErr: true,
		},
		{
			name:    "nil handler",
			def:     Definition{Name: "x"},
			wantErr: true,
		},
		{
			name:    "bad category",
			def:     Definition{Name: "x", Category: "astral"},
			handler: noopHandler,
			wantErr: true,
		},
		{
			name:    "non-object schema",
			def:     Definition{Name: "x", Parameters: map[string]any{"type": "string"}},
			handler: noopHandler,
			wantErr: true,
		},
		{
			name:    "nil schema ok",
			def:     Definition{Name: "ping"},
			handler: noopHandler,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.def, tt.handler)
			if (err != nil) != tt.wantErr {
				t.Errorf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	def := Definition{Name: "read_file"}
	if err := r.Register(def, noopHandler); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(def, noopHandler); err == nil {
		t.Fatal("duplicate Register should fail")
	}
}

func TestGetUnknownTool(t *testing.T) {
	r := NewRegistry()
	_, _, err := r.Get("missing")
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("error = %v, want NotFoundError", err)
	}
	if nfe.Name != "missing" {
		t.Errorf("Name = %q", nfe.Name)
	}
}

func TestGetDefaultsCategory(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{Name: "ping"}, noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	def, _, err := r.Get("ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if def.Category != CategoryGeneral {
		t.Errorf("Category = %q, want general", def.Category)
	}
}

func TestListWireFormat(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Definition{Name: "b_tool", Description: "b", Parameters: objectSchema()}, noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(Definition{Name: "a_tool", Description: "a"}, noopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}

	list := r.List()
	if len(list) != 2 {
		t.Fatalf("List = %d entries", len(list))
	}

	first := list[0]
	if first["type"] != "function" {
		t.Errorf("type = %v", first["type"])
	}
	fn, ok := first["function"].(map[string]any)
	if !ok {
		t.Fatalf("function field missing: %v", first)
	}
	// Sorted by name: a_tool first, with a synthesized empty schema.
	if fn["name"] != "a_tool" {
		t.Errorf("name = %v, want a_tool", fn["name"])
	}
	params, ok := fn["parameters"].(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("parameters = %v", fn["parameters"])
	}
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	for _, n := range []string{"c", "a", "b"} {
		if err := r.Register(Definition{Name: n}, noopHandler); err != nil {
			t.Fatalf("Register %s: %v", n, err)
		}
	}
	got := r.Names()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}
