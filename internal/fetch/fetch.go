// Package fetch downloads web pages and extracts their readable text
// for consumption by the agent. Navigation, scripts, and other
// boilerplate are stripped from HTML; plain text passes through.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kwall/drover/internal/httpkit"
)

const (
	// DefaultTimeout bounds a single page fetch.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxBytes caps the response body read (5 MB).
	DefaultMaxBytes int64 = 5 * 1024 * 1024

	// DefaultMaxChars caps the extracted text returned to the model.
	DefaultMaxChars = 50000
)

// Page is the fetched and extracted content of a URL.
type Page struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
	Truncated   bool   `json:"truncated,omitempty"`
	Length      int    `json:"length"`
	StatusCode  int    `json:"status_code"`
}

// Fetcher downloads and extracts readable content from web pages.
type Fetcher struct {
	client    *http.Client
	bodyLimit int64
}

// New creates a Fetcher with default limits.
func New() *Fetcher {
	return &Fetcher{
		client:    httpkit.NewClient(httpkit.WithTimeout(DefaultTimeout)),
		bodyLimit: DefaultMaxBytes,
	}
}

// Fetch downloads pageURL and extracts readable text. maxChars limits
// the output; zero means DefaultMaxChars. A missing scheme defaults
// to https.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, maxChars int) (*Page, error) {
	if pageURL == "" {
		return nil, fmt.Errorf("fetch: url is required")
	}
	if !strings.Contains(pageURL, "://") {
		pageURL = "https://" + pageURL
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	body, contentType, status, err := f.download(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	page := &Page{URL: pageURL, ContentType: contentType, StatusCode: status}

	switch {
	case isHTML(contentType):
		page.Title, page.Content = extractHTML(string(body))
	case isPlainText(contentType) || utf8.Valid(body):
		page.Content = string(body)
	default:
		// Nothing readable to give the model for binary payloads.
		page.Content = fmt.Sprintf("Binary content (%s), %d bytes", contentType, len(body))
		page.Length = len(body)
		return page, nil
	}

	if len(page.Content) > maxChars {
		page.Content = truncateUTF8(page.Content, maxChars)
		page.Truncated = true
	}
	page.Length = len(page.Content)
	return page, nil
}

func (f *Fetcher) download(ctx context.Context, pageURL string) (body []byte, contentType string, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", 0, fmt.Errorf("fetch: invalid url: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8,*/*;q=0.7")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", 0, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(io.LimitReader(resp.Body, f.bodyLimit))
	if err != nil {
		return nil, "", 0, fmt.Errorf("fetch: read response: %w", err)
	}
	return body, resp.Header.Get("Content-Type"), resp.StatusCode, nil
}

func isHTML(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func isPlainText(ct string) bool {
	return strings.Contains(strings.ToLower(ct), "text/plain")
}

// truncateUTF8 cuts s to at most maxChars runes on a rune boundary.
func truncateUTF8(s string, maxChars int) string {
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
