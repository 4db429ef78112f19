package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchUserAgent     = "Mozilla/5.0 (compatible; ConduitBot/1.0)"
	fetchClientTimeout = 15 * time.Second
	maxFetchBodyBytes  = 10 << 20
	defaultFetchChars  = 10000
)

var (
	strippedTags = []string{"script", "style", "noscript", "iframe", "nav", "header", "footer", "aside"}

	titlePattern      = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	tagPattern        = regexp.MustCompile(`(?s)<[^>]*>`)
	blockEndPattern   = regexp.MustCompile(`(?i)</(p|div|li|h[1-6]|tr|blockquote|section|article)>|<br\s*/?>`)
	spacePattern      = regexp.MustCompile(`[ \t]+`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// WebFetchTool fetches a URL and reduces the body to readable text.
// Requests resolving to private or reserved addresses are rejected.
type WebFetchTool struct {
	maxChars int
	client   *http.Client

	// skipAddrCheck lets tests target loopback servers.
	skipAddrCheck bool
}

// NewWebFetchTool creates a web_fetch tool. maxChars zero means 10000.
func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchChars
	}
	return &WebFetchTool{
		maxChars: maxChars,
		client:   &http.Client{Timeout: fetchClientTimeout},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL and return its readable text content (HTML is reduced to plain text)."
}

func (t *WebFetchTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "URL to fetch (http or https).",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Maximum characters to return (default: 10000).",
				"minimum":     0,
			},
		},
		"required": []string{"url"},
	})
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	var input struct {
		URL      string `json:"url"`
		MaxChars int    `json:"max_chars"`
	}
	if err := decode(args, &input); err != nil {
		return fmt.Sprintf("Error: invalid parameters: %v", err), nil
	}
	target := strings.TrimSpace(input.URL)
	if target == "" {
		return "Error: url is required", nil
	}

	if err := t.validateURL(target); err != nil {
		return fmt.Sprintf("Error: %v", err), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Sprintf("Error: build request: %v", err), nil
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Sprintf("Error: fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Error: fetch failed: HTTP %d", resp.StatusCode), nil
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") &&
		!strings.Contains(contentType, "application/json") {
		return fmt.Sprintf("Error: unsupported content type: %s", contentType), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return fmt.Sprintf("Error: read body: %v", err), nil
	}

	content := string(body)
	if strings.Contains(contentType, "text/html") {
		content = htmlToText(content)
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return "(no readable content)", nil
	}

	limit := t.maxChars
	if input.MaxChars > 0 && input.MaxChars < limit {
		limit = input.MaxChars
	}
	if len(content) > limit {
		content = content[:limit] + "..."
	}
	return content, nil
}

// validateURL rejects non-HTTP schemes and hosts that resolve to
// private or reserved addresses.
func (t *WebFetchTool) validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if t.skipAddrCheck {
		return nil
	}

	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("localhost URLs are not allowed")
	}

	ips, err := net.LookupIP(hostname)
	if err != nil {
		// Unresolvable hosts fail at connect time with a clearer error.
		return nil
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return fmt.Errorf("URL resolves to a private or reserved address")
		}
	}
	return nil
}

func isPrivateOrReservedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// htmlToText reduces an HTML document to readable text: boilerplate
// containers dropped, block boundaries become newlines, entities
// decoded, whitespace collapsed. The page title leads the output.
func htmlToText(doc string) string {
	for _, tag := range strippedTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		doc = re.ReplaceAllString(doc, "")
	}

	title := ""
	if m := titlePattern.FindStringSubmatch(doc); m != nil {
		title = strings.TrimSpace(html.UnescapeString(tagPattern.ReplaceAllString(m[1], "")))
	}

	doc = blockEndPattern.ReplaceAllString(doc, "\n")
	doc = tagPattern.ReplaceAllString(doc, " ")
	doc = html.UnescapeString(doc)

	doc = spacePattern.ReplaceAllString(doc, " ")
	lines := strings.Split(doc, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	doc = strings.Join(lines, "\n")
	doc = blankLinesPattern.ReplaceAllString(doc, "\n\n")
	doc = strings.TrimSpace(doc)

	if title != "" {
		return "Title: " + title + "\n\n" + doc
	}
	return doc
}
