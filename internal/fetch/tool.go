package fetch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kwall/drover/internal/tool"
)

// Tool returns the web_fetch tool definition and handler for f.
func Tool(f *Fetcher) (tool.Definition, tool.Handler) {
	def := tool.Definition{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its readable text content.",
		Category:    tool.CategoryWeb,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL to fetch.",
				},
				"max_chars": map[string]any{
					"type":        "integer",
					"description": "Maximum characters to return. Default: 50000.",
				},
			},
			"required": []string{"url"},
		},
	}

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		target, _ := args["url"].(string)
		if target == "" {
			return "", fmt.Errorf("web_fetch: url is required")
		}
		limit := 0
		if n, ok := args["max_chars"].(float64); ok && n > 0 {
			limit = int(n)
		}

		page, err := f.Fetch(ctx, target, limit)
		if err != nil {
			return "", err
		}

		encoded, err := json.Marshal(page)
		if err != nil {
			return fmt.Sprintf("Title: %s\n\n%s", page.Title, page.Content), nil
		}
		return string(encoded), nil
	}

	return def, handler
}
