// Package fetch retrieves source documents for analysis, either directly
// or through a reader proxy that returns pre-extracted markdown.
package fetch

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	xhtml "golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/prismnotes/ingest/pubdate"
)

const defaultReaderBaseURL = "https://r.jina.ai/"

// Config controls the outbound HTTP behavior and the fetch strategy.
type Config struct {
	Timeout         time.Duration
	MaxBodyBytes    int64 // cap on raw response bytes read
	MaxContentChars int   // cap on extracted plain text length
	UserAgent       string
	ProxyURL        string // optional forward proxy for all outbound requests
	UseReader       bool   // route content fetches through the reader proxy
	ReaderBaseURL   string
	ReaderToken     string // optional bearer token for the reader proxy
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxBodyBytes:    5 << 20,
		MaxContentChars: 20000,
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36",
		ReaderBaseURL: defaultReaderBaseURL,
	}
}

// Result is a fetched and text-extracted source document.
type Result struct {
	Title         string
	Content       string // plain text, whitespace-collapsed, length-capped
	ResolvedURL   string // final URL after redirects or reader resolution
	Document      string // raw decoded response body
	PublishedHint *time.Time
}

// Fetcher downloads source documents. Safe for concurrent use.
type Fetcher struct {
	config     Config
	httpClient *http.Client
}

// New builds a Fetcher. The HTTP transport is instrumented for trace
// propagation and honors the configured proxy when set.
func New(config Config) (*Fetcher, error) {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 5 << 20
	}
	if config.MaxContentChars <= 0 {
		config.MaxContentChars = 20000
	}
	if strings.TrimSpace(config.ReaderBaseURL) == "" {
		config.ReaderBaseURL = defaultReaderBaseURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy := strings.TrimSpace(config.ProxyURL); proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Fetcher{
		config: config,
		httpClient: &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(transport),
		},
	}, nil
}

// Fetch retrieves the document at sourceURL using the configured strategy.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) (*Result, error) {
	if f.config.UseReader {
		return f.fetchViaReader(ctx, sourceURL)
	}
	return f.fetchDirect(ctx, sourceURL)
}

func (f *Fetcher) fetchDirect(ctx context.Context, sourceURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,zh-CN;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	document, err := f.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	resolvedURL := sourceURL
	if resp.Request != nil && resp.Request.URL != nil {
		resolvedURL = resp.Request.URL.String()
	}

	title, content := f.extractTitleAndText(document)
	return &Result{
		Title:         title,
		Content:       content,
		ResolvedURL:   resolvedURL,
		Document:      document,
		PublishedHint: pubdate.Infer(resolvedURL, document),
	}, nil
}

func (f *Fetcher) fetchViaReader(ctx context.Context, sourceURL string) (*Result, error) {
	base := f.config.ReaderBaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/plain,text/markdown,*/*;q=0.8")
	if token := strings.TrimSpace(f.config.ReaderToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch URL via reader: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	document, err := f.readBody(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	payload := ParseReaderPayload(document, sourceURL)
	content := capContent(collapseWhitespace(payload.Content), f.config.MaxContentChars)
	return &Result{
		Title:         payload.Title,
		Content:       content,
		ResolvedURL:   payload.SourceURL,
		Document:      document,
		PublishedHint: payload.PublishedAt,
	}, nil
}

// readBody reads at most MaxBodyBytes of the response and decodes it to
// UTF-8 based on the Content-Type charset (or in-document hints).
func (f *Fetcher) readBody(resp *http.Response) (string, error) {
	limited := io.LimitReader(resp.Body, f.config.MaxBodyBytes)
	decoded, err := charset.NewReader(limited, resp.Header.Get("Content-Type"))
	if err != nil {
		// Unknown charset label: fall back to the raw bytes.
		raw, readErr := io.ReadAll(limited)
		if readErr != nil {
			return "", readErr
		}
		return string(raw), nil
	}
	raw, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// extractTitleAndText parses the document and pulls out the display title
// and the whitespace-collapsed body text.
func (f *Fetcher) extractTitleAndText(document string) (string, string) {
	doc, err := xhtml.Parse(strings.NewReader(document))
	if err != nil {
		return "", ""
	}
	content := capContent(extractText(doc), f.config.MaxContentChars)
	return extractTitle(doc), content
}

// ReaderPayload is the parsed form of a reader-proxy response.
type ReaderPayload struct {
	Title       string
	SourceURL   string
	PublishedAt *time.Time
	Content     string
}

// ParseReaderPayload splits a reader response into its metadata header
// (Title:, URL Source:, Published Time:, Warning: lines) and the content
// that follows the "Markdown Content:" marker. Responses without any
// metadata header are treated as pure content.
func ParseReaderPayload(document, fallbackSourceURL string) ReaderPayload {
	payload := ReaderPayload{
		SourceURL: fallbackSourceURL,
		Content:   strings.TrimSpace(document),
	}

	lines := strings.Split(document, "\n")
	metadataStarted := false

	for index, rawLine := range lines {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			continue
		}

		lowered := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lowered, "title:"):
			metadataStarted = true
			if value := afterColon(line); value != "" {
				payload.Title = value
			}
			continue
		case strings.HasPrefix(lowered, "url source:"):
			metadataStarted = true
			if value := afterColon(line); value != "" {
				payload.SourceURL = value
			}
			continue
		case strings.HasPrefix(lowered, "published time:"):
			metadataStarted = true
			if value := afterColon(line); value != "" {
				if dt, ok := pubdate.Parse(value); ok {
					payload.PublishedAt = &dt
				}
			}
			continue
		case strings.HasPrefix(lowered, "warning:"):
			metadataStarted = true
			continue
		case strings.HasPrefix(lowered, "markdown content:"):
			payload.Content = strings.TrimSpace(strings.Join(lines[index+1:], "\n"))
			return payload
		}

		if metadataStarted {
			payload.Content = strings.TrimSpace(strings.Join(lines[index:], "\n"))
		}
		return payload
	}
	return payload
}

// afterColon returns the HTML-unescaped remainder after the first colon.
func afterColon(value string) string {
	_, remain, found := strings.Cut(value, ":")
	if !found {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(remain))
}

// extractTitle extracts the page title from the HTML.
// Priority: og:title > twitter:title > h1 > title tag.
func extractTitle(n *xhtml.Node) string {
	var ogTitle, twitterTitle, h1Title, htmlTitle string

	var f func(*xhtml.Node)
	f = func(n *xhtml.Node) {
		if n.Type == xhtml.ElementNode {
			switch n.Data {
			case "meta":
				var property, name, content string
				for _, attr := range n.Attr {
					switch attr.Key {
					case "property":
						property = strings.ToLower(attr.Val)
					case "name":
						name = strings.ToLower(attr.Val)
					case "content":
						content = attr.Val
					}
				}
				if property == "og:title" && ogTitle == "" {
					ogTitle = content
				} else if name == "twitter:title" && twitterTitle == "" {
					twitterTitle = content
				}
			case "h1":
				if h1Title == "" && n.FirstChild != nil {
					h1Title = textOfNode(n)
				}
			case "title":
				if htmlTitle == "" && n.FirstChild != nil {
					htmlTitle = n.FirstChild.Data
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)

	for _, title := range []string{ogTitle, twitterTitle, h1Title, htmlTitle} {
		if trimmed := collapseWhitespace(title); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func textOfNode(n *xhtml.Node) string {
	var parts []string
	var f func(*xhtml.Node)
	f = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				parts = append(parts, trimmed)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return strings.Join(parts, " ")
}

// extractText extracts all visible text content from the HTML, skipping
// script, style and noscript subtrees.
func extractText(n *xhtml.Node) string {
	var buf strings.Builder
	var f func(*xhtml.Node)
	f = func(n *xhtml.Node) {
		if n.Type == xhtml.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				buf.WriteString(text)
				buf.WriteString(" ")
			}
		}
		if n.Type == xhtml.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return collapseWhitespace(buf.String())
}

// capContent trims the text to at most max characters, counting runes so
// a multi-byte character is never split mid-sequence.
func capContent(value string, max int) string {
	count := 0
	for i := range value {
		if count == max {
			return value[:i]
		}
		count++
	}
	return value
}

// Unescaping may have produced non-breaking spaces, which \s does not match.
var whitespaceRe = regexp.MustCompile(`[\s\x{00A0}]+`)

func collapseWhitespace(value string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(html.UnescapeString(value), " "))
}
