package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchTimeout  = 30 * time.Second
	maxFetchBytes = 2 << 20 // 2 MiB of body is plenty for prompt context
)

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
)

// ReadURL fetches a web page and returns its visible text with markup
// stripped. Registered as "read_url".
type ReadURL struct {
	client *http.Client
}

// NewReadURL creates the read_url tool.
func NewReadURL() *ReadURL {
	return &ReadURL{client: &http.Client{Timeout: fetchTimeout}}
}

func (t *ReadURL) Name() string { return "read_url" }

func (t *ReadURL) Description() string {
	return "Fetch a URL and return the page text with HTML markup removed."
}

func (t *ReadURL) ParameterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The absolute http(s) URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *ReadURL) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, err := urlArg(args)
	if err != nil {
		return "", err
	}
	body, err := fetch(ctx, t.client, raw)
	if err != nil {
		return "", err
	}
	return StripHTML(body), nil
}

// JinaReader fetches a web page through the Jina Reader proxy, which
// returns a markdown rendition of the page. Registered as "jina_reader".
type JinaReader struct {
	client  *http.Client
	baseURL string
}

// NewJinaReader creates the jina_reader tool.
func NewJinaReader() *JinaReader {
	return &JinaReader{
		client:  &http.Client{Timeout: fetchTimeout},
		baseURL: "https://r.jina.ai/",
	}
}

func (t *JinaReader) Name() string { return "jina_reader" }

func (t *JinaReader) Description() string {
	return "Fetch a URL via the Jina Reader service and return it as markdown."
}

func (t *JinaReader) ParameterSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The absolute http(s) URL to fetch.",
			},
		},
		"required": []string{"url"},
	}
}

func (t *JinaReader) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, err := urlArg(args)
	if err != nil {
		return "", err
	}
	return fetch(ctx, t.client, t.baseURL+raw)
}

func urlArg(args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return "", fmt.Errorf("tool: missing required argument \"url\"")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("tool: invalid url %q", raw)
	}
	return raw, nil
}

func fetch(ctx context.Context, client *http.Client, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("tool: build request: %w", err)
	}
	req.Header.Set("User-Agent", "clerk/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool: fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("tool: fetch %s: status %d", target, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", fmt.Errorf("tool: read body: %w", err)
	}
	return string(body), nil
}

// StripHTML removes script/style blocks and markup from an HTML document
// and normalizes the remaining whitespace.
func StripHTML(html string) string {
	text := scriptRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, " ")
	text = strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&nbsp;", " ",
	).Replace(text)
	text = spaceRe.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
