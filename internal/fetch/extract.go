package fetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// skipped elements are dropped entirely, children included.
var skipped = map[atom.Atom]struct{}{
	atom.Script:   {},
	atom.Style:    {},
	atom.Noscript: {},
	atom.Iframe:   {},
	atom.Svg:      {},
	atom.Head:     {},
	atom.Nav:      {},
	atom.Footer:   {},
	atom.Header:   {},
}

// blocks start a new paragraph in the rendered text.
var blocks = map[atom.Atom]struct{}{
	atom.P: {}, atom.Div: {}, atom.Section: {}, atom.Article: {},
	atom.Main: {}, atom.H1: {}, atom.H2: {}, atom.H3: {}, atom.H4: {},
	atom.H5: {}, atom.H6: {}, atom.Blockquote: {}, atom.Pre: {},
	atom.Ul: {}, atom.Ol: {}, atom.Table: {}, atom.Tr: {}, atom.Dl: {},
	atom.Dd: {}, atom.Dt: {}, atom.Figcaption: {}, atom.Figure: {},
	atom.Details: {}, atom.Summary: {}, atom.Hr: {},
}

// extractHTML parses raw HTML and returns the page title plus the
// visible text with boilerplate removed. Malformed markup falls back
// to a naive tag strip.
func extractHTML(raw string) (title, text string) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", stripTags(raw)
	}

	var b strings.Builder
	renderText(doc, &b)
	return findTitle(doc), collapseWhitespace(b.String())
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		var b strings.Builder
		collectText(n, &b)
		return b.String()
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func collectText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

// renderText walks the DOM appending visible text, with blank lines at
// block boundaries and hard breaks after <br> and list items.
func renderText(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.ElementNode:
		if _, skip := skipped[n.DataAtom]; skip {
			return
		}
		if _, block := blocks[n.DataAtom]; block && w.Len() > 0 {
			w.WriteString("\n\n")
		}
	case html.TextNode:
		if t := strings.TrimSpace(n.Data); t != "" {
			w.WriteString(t)
			w.WriteString(" ")
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(c, w)
	}

	if n.Type == html.ElementNode && (n.DataAtom == atom.Br || n.DataAtom == atom.Li) {
		w.WriteString("\n")
	}
}

// collapseWhitespace squeezes intra-line runs of whitespace and
// consecutive blank lines.
func collapseWhitespace(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// stripTags tokenizes and keeps only text tokens. Used when the full
// parser rejects the document.
func stripTags(s string) string {
	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(s))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(tok.Text())
			b.WriteString(" ")
		}
	}
	return collapseWhitespace(b.String())
}
