// Package tool holds the registry of callable tools and their handlers.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Category groups tools for approval-mode decisions.
type Category string

const (
	CategoryFilesystem Category = "filesystem"
	CategoryTerminal   Category = "terminal"
	CategoryWeb        Category = "web"
	CategoryMessaging  Category = "messaging"
	CategoryGeneral    Category = "general"
)

var validCategories = map[Category]bool{
	CategoryFilesystem: true,
	CategoryTerminal:   true,
	CategoryWeb:        true,
	CategoryMessaging:  true,
	CategoryGeneral:    true,
}

// Definition describes a tool to the model and to the approval gate.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema, object-typed
	Category    Category       `json:"category"`
	Dangerous   bool           `json:"dangerous"`
}

// Handler executes one tool call. The returned string is folded into
// history as the tool result; an error becomes a ToolResult error.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// NotFoundError reports an unregistered tool name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// Registry maps tool names to definitions and handlers. Validation
// happens once at registration; lookups trust the stored entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	def     Definition
	handler Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register validates and stores a tool. Names must be non-empty and
// unique; the parameter schema, when present, must be object-typed.
func (r *Registry) Register(def Definition, handler Handler) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is empty")
	}
	if handler == nil {
		return fmt.Errorf("tool %s: nil handler", def.Name)
	}
	if def.Category == "" {
		def.Category = CategoryGeneral
	}
	if !validCategories[def.Category] {
		return fmt.Errorf("tool %s: unknown category %q", def.Name, def.Category)
	}
	if def.Parameters != nil {
		if typ, _ := def.Parameters["type"].(string); typ != "object" {
			return fmt.Errorf("tool %s: parameter schema must be object-typed", def.Name)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool %s: already registered", def.Name)
	}
	r.entries[def.Name] = entry{def: def, handler: handler}
	return nil
}

// Get returns the definition and handler for name.
func (r *Registry) Get(name string) (Definition, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Definition{}, nil, &NotFoundError{Name: name}
	}
	return e.def, e.handler, nil
}

// List returns the tool set in the OpenAI function-definition wire
// format accepted by every adapter, sorted by name.
func (r *Registry) List() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.entries))
	for _, name := range r.namesLocked() {
		e := r.entries[name]
		params := e.def.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        e.def.Name,
				"description": e.def.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// Names returns registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
