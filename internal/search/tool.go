package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kwall/drover/internal/tool"
)

// Tool returns the web_search tool definition and handler backed by mgr.
func Tool(mgr *Manager) (tool.Definition, tool.Handler) {
	def := tool.Definition{
		Name:        "web_search",
		Description: "Search the web and return a list of results with titles, URLs, and snippets.",
		Category:    tool.CategoryWeb,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query string.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results to return (1-10). Default: 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results (e.g., 'en', 'de').",
				},
				"provider": map[string]any{
					"type":        "string",
					"description": "Search provider to use. Omit for default.",
				},
			},
			"required": []string{"query"},
		},
	}

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("web_search: query is required")
		}

		opts := Options{}
		if n, ok := args["count"].(float64); ok && n > 0 {
			opts.Count = int(n)
		}
		if lang, ok := args["language"].(string); ok {
			opts.Language = lang
		}

		provider, _ := args["provider"].(string)
		var (
			results []Result
			err     error
		)
		if provider != "" {
			results, err = mgr.SearchWith(ctx, provider, query, opts)
		} else {
			results, err = mgr.Search(ctx, query, opts)
		}
		if err != nil {
			return "", err
		}

		// Results go back to the model as JSON so it can cite URLs.
		encoded, err := json.Marshal(results)
		if err != nil {
			return FormatResults(results), nil
		}
		return string(encoded), nil
	}

	return def, handler
}
