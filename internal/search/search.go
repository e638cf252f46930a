// Package search gives the agent a pluggable web search capability.
//
// Providers implement [Provider] and register with a [Manager]; the
// manager routes queries to the configured primary provider unless the
// caller names one explicitly.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

const defaultResultCount = 5

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options are optional query parameters.
type Options struct {
	// Count caps the number of results. Zero means provider default.
	Count int `json:"count,omitempty"`

	// Language is an ISO 639-1 code ("en", "de").
	Language string `json:"language,omitempty"`
}

// Provider is a search backend.
type Provider interface {
	// Name returns the provider identifier ("searxng", "brave").
	Name() string

	// Search executes a query against the backend.
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager routes searches to registered providers.
type Manager struct {
	byName  map[string]Provider
	primary string
}

// NewManager creates a search manager. Queries go to the provider named
// primary unless the caller picks another via [Manager.SearchWith].
func NewManager(primary string) *Manager {
	return &Manager{byName: make(map[string]Provider), primary: primary}
}

// Register adds a provider under its own name.
func (m *Manager) Register(p Provider) {
	m.byName[p.Name()] = p
}

// Search runs a query against the primary provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against the named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.byName[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Providers lists registered provider names in sorted order.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool {
	return len(m.byName) > 0
}

// FormatResults renders results as a numbered plain-text list.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", r.Snippet)
		}
	}
	return b.String()
}
