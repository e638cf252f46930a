package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractHTML(t *testing.T) {
	page := `<!DOCTYPE html>
<html>
<head><title>Release Notes</title></head>
<body>
<nav>Home | Docs | About</nav>
<script>window.track();</script>
<style>body { margin: 0; }</style>
<main>
<h1>Version 2.0</h1>
<p>This release adds <strong>streaming support</strong> to the API.</p>
<p>Upgrade is recommended.</p>
</main>
<footer>Copyright notice</footer>
</body>
</html>`

	title, content := extractHTML(page)

	if title != "Release Notes" {
		t.Errorf("title = %q, want %q", title, "Release Notes")
	}
	for _, want := range []string{"Version 2.0", "streaming support", "Upgrade is recommended"} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	for _, dropped := range []string{"window.track", "Home | Docs", "Copyright notice", "margin: 0"} {
		if strings.Contains(content, dropped) {
			t.Errorf("content should not contain %q", dropped)
		}
	}
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "Drover/") {
			t.Errorf("User-Agent = %q, want Drover prefix", ua)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Status</title></head><body><p>All systems operational</p></body></html>`))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	if page.Title != "Status" {
		t.Errorf("Title = %q, want %q", page.Title, "Status")
	}
	if !strings.Contains(page.Content, "All systems operational") {
		t.Errorf("Content = %q", page.Content)
	}
	if page.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", page.StatusCode)
	}
}

func TestFetchPlainText(t *testing.T) {
	const body = "robots.txt style plain content"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(body))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if page.Content != body {
		t.Errorf("Content = %q, want %q", page.Content, body)
	}
}

func TestFetchTruncation(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))
	defer ts.Close()

	page, err := New().Fetch(context.Background(), ts.URL, 100)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !page.Truncated {
		t.Error("Truncated = false, want true")
	}
	if page.Length > 100 {
		t.Errorf("Length = %d, want <= 100", page.Length)
	}
}

func TestFetchEmptyURL(t *testing.T) {
	if _, err := New().Fetch(context.Background(), "", 0); err == nil {
		t.Error("want error for empty URL")
	}
}

func TestCollapseWhitespace(t *testing.T) {
	got := collapseWhitespace("  first   line  \n\n\n\n  second  \n\n\n third  ")
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("triple newline survived: %q", got)
	}
	if !strings.HasPrefix(got, "first line") {
		t.Errorf("intra-line spaces not squeezed: %q", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	got := truncateUTF8("Héllo wörld café", 5)
	if n := len([]rune(got)); n > 5 {
		t.Errorf("got %d runes (%q), want at most 5", n, got)
	}
}

func TestTool(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Changelog</title></head><body><p>Fixed the scheduler</p></body></html>`))
	}))
	defer ts.Close()

	def, handler := Tool(New())
	if def.Name != "web_fetch" {
		t.Errorf("Name = %q, want web_fetch", def.Name)
	}

	out, err := handler(context.Background(), map[string]any{"url": ts.URL})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if !strings.Contains(out, "Fixed the scheduler") {
		t.Errorf("handler output = %q", out)
	}
}

func TestToolMissingURL(t *testing.T) {
	_, handler := Tool(New())
	if _, err := handler(context.Background(), map[string]any{}); err == nil {
		t.Error("want error for missing url argument")
	}
}
