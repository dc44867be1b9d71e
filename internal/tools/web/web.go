// Package web implements the agent's web tool: fetch a URL and return its
// content, extracting readable text from HTML responses.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/loomagent/loom/internal/net/ssrf"
	"github.com/loomagent/loom/pkg/models"
)

// MaxResponseSize and RequestTimeout match the reference tool's limits.
const (
	MaxResponseSize = 50_000
	RequestTimeout  = 15 * time.Second
)

// Tool fetches a URL over HTTP(S) and returns its (possibly extracted)
// content, truncated to MaxResponseSize.
type Tool struct {
	client *http.Client
	// allowLoopback permits requests to loopback/private addresses. Only set
	// true in tests.
	allowLoopback bool
}

// New builds a web Tool with the reference request timeout.
func New() *Tool {
	return &Tool{client: &http.Client{Timeout: RequestTimeout}}
}

// NewForTesting builds a web Tool that skips SSRF protection, for tests that
// hit an httptest.Server on loopback.
func NewForTesting() *Tool {
	return &Tool{client: &http.Client{Timeout: RequestTimeout}, allowLoopback: true}
}

func (t *Tool) Name() string { return "web" }
func (t *Tool) Description() string {
	return "Fetch a URL and return its text content."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "description": "The URL to fetch."},
			"extract_text": {"type": "boolean", "description": "Extract readable text from HTML (default true)."}
		},
		"required": ["url"]
	}`)
}

func (t *Tool) RequiredParams() []string { return []string{"url"} }

// Execute fetches args["url"]. JSON responses are returned verbatim
// (truncated); HTML responses are text-extracted when extract_text is true
// (the default); other text responses are returned verbatim (truncated).
func (t *Tool) Execute(ctx context.Context, args map[string]any) (models.ToolResult, error) {
	rawURL, _ := args["url"].(string)
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return models.ToolResult{Success: false, Error: "url is required"}, nil
	}

	extractText := true
	if v, ok := args["extract_text"].(bool); ok {
		extractText = v
	}

	if !t.allowLoopback {
		if err := validateURLForSSRF(rawURL); err != nil {
			return models.ToolResult{Success: false, Error: err.Error()}, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("invalid url: %v", err)}, nil
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; LoomAgent/1.0)")

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return models.ToolResult{Success: false, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*MaxResponseSize))
	if err != nil {
		return models.ToolResult{Success: false, Error: fmt.Sprintf("read body: %v", err)}, nil
	}

	contentType := resp.Header.Get("Content-Type")
	var content string
	switch {
	case strings.Contains(contentType, "application/json"):
		content = truncate(string(body))
	case strings.Contains(contentType, "text/html") && extractText:
		content = truncate(extractTextFromHTML(string(body)))
	default:
		content = truncate(string(body))
	}

	return models.ToolResult{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		Output:     content,
		DurationMs: float64(time.Since(start).Milliseconds()),
		Metadata: map[string]any{
			"status_code":  resp.StatusCode,
			"content_type": contentType,
		},
	}, nil
}

func truncate(s string) string {
	if len(s) <= MaxResponseSize {
		return s
	}
	return s[:MaxResponseSize]
}

var (
	scriptStyleRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	brRe          = regexp.MustCompile(`(?i)<br\s*/?>`)
	blockCloseRe  = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|section|article)>`)
	tagRe         = regexp.MustCompile(`<[^>]*>`)
	entities      = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	)
)

// extractTextFromHTML mirrors the reference tool's extraction sequence: strip
// script/style blocks, turn <br/> and block-closing tags into newlines, strip
// remaining tags, decode a fixed entity table, then normalize whitespace by
// trimming each line and joining non-empty lines.
func extractTextFromHTML(html string) string {
	html = scriptStyleRe.ReplaceAllString(html, "")
	html = brRe.ReplaceAllString(html, "\n")
	html = blockCloseRe.ReplaceAllString(html, "\n")
	html = tagRe.ReplaceAllString(html, "")
	html = entities.Replace(html)

	lines := strings.Split(html, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// validateURLForSSRF rejects non-http(s) schemes, then delegates hostname and
// resolved-IP validation to the shared ssrf package.
func validateURLForSSRF(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("url must have a hostname")
	}
	return ssrf.ValidatePublicHostname(hostname)
}
