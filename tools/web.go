// Web tools - search and page fetch
package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	defaultSearchEndpoint = "https://html.duckduckgo.com/html/"
	defaultMaxChars       = 20000
	maxBodyBytes          = 2 << 20
	userAgent             = "Mozilla/5.0 (compatible; aiosgate/1.0)"
)

// HTTPDoer is the subset of *http.Client the web tools use
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

func defaultClient(c HTTPDoer) HTTPDoer {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// SearchResult is one web search hit
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// WebSearchTool queries the DuckDuckGo HTML endpoint
type WebSearchTool struct {
	Client   HTTPDoer
	Endpoint string // defaults to html.duckduckgo.com
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "Search the web and return titles, URLs and snippets of the top results."
}

func (t *WebSearchTool) Parameters() map[string]any {
	return objectSchema([]string{"query"}, map[string]any{
		"query": stringProp("Search query"),
		"max_results": map[string]any{
			"type":        "integer",
			"description": "Number of results (default 5, max 10)",
		},
	})
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	query := strings.TrimSpace(GetString(args, "query"))
	if query == "" {
		return nil, errors.New("query is required")
	}
	limit := GetInt(args, "max_results")
	if limit <= 0 {
		limit = 5
	}
	if limit > 10 {
		limit = 10
	}
	endpoint := t.Endpoint
	if endpoint == "" {
		endpoint = defaultSearchEndpoint
	}

	body, err := get(ctx, defaultClient(t.Client), endpoint+"?q="+url.QueryEscape(query))
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse results: %w", err)
	}
	results := parseSearchResults(doc, limit)
	if len(results) == 0 {
		return "No results found.", nil
	}
	var sb strings.Builder
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// WebFetchTool downloads a page and returns its readable text
type WebFetchTool struct {
	Client   HTTPDoer
	MaxChars int
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a web page over http(s) and return its readable text content."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return objectSchema([]string{"url"}, map[string]any{
		"url": stringProp("Absolute http or https URL"),
		"max_chars": map[string]any{
			"type":        "integer",
			"description": "Maximum characters returned (default 20000)",
		},
	})
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	raw := strings.TrimSpace(GetString(args, "url"))
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	limit := GetInt(args, "max_chars")
	if limit <= 0 {
		limit = t.MaxChars
	}
	if limit <= 0 {
		limit = defaultMaxChars
	}

	body, err := get(ctx, defaultClient(t.Client), u.String())
	if err != nil {
		return nil, err
	}
	text := body
	if doc, perr := html.Parse(strings.NewReader(body)); perr == nil {
		text = ExtractText(doc)
	}
	return Truncate(text, limit), nil
}

func get(ctx context.Context, client HTTPDoer, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, target)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}

var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "head": true,
	"svg": true, "iframe": true, "template": true,
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true, "section": true,
	"article": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "pre": true, "blockquote": true, "table": true, "ul": true, "ol": true,
}

// ExtractText returns the visible text of an HTML document, one block per line
func ExtractText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				sb.WriteString(s)
				sb.WriteByte(' ')
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	lines := strings.Split(sb.String(), "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

func parseSearchResults(doc *html.Node, limit int) []SearchResult {
	var results []SearchResult
	var find func(*html.Node)
	find = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" {
			class := attr(n, "class")
			if strings.Contains(class, "result") && strings.Contains(class, "results_links") {
				if r := extractResult(n); r.URL != "" && r.Title != "" {
					results = append(results, r)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return results
}

func extractResult(n *html.Node) SearchResult {
	var r SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			class := attr(n, "class")
			switch {
			case strings.Contains(class, "result__a"):
				r.URL = attr(n, "href")
				r.Title = textContent(n)
			case strings.Contains(class, "result__snippet"):
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)

	// Unwrap DuckDuckGo redirect links
	if strings.Contains(r.URL, "duckduckgo.com/l/?") {
		if u, err := url.Parse(r.URL); err == nil {
			if target := u.Query().Get("uddg"); target != "" {
				r.URL = target
			}
		}
	}
	return r
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}
