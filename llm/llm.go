// Package llm analyzes fetched source content with a configurable chat
// model provider and turns the model's JSON answer into a validated,
// normalized analysis result.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Error codes. invalid_output marks responses whose JSON payload failed
// validation and is the only code that triggers a repair retry.
const (
	CodeNotConfigured        = "llm_not_configured"
	CodeProviderNotSupported = "llm_provider_not_supported"
	CodeBaseURLNotConfigured = "llm_base_url_not_configured"
	CodeModelNotConfigured   = "llm_model_not_configured"
	CodeHTTPError            = "llm_http_error"
	CodeNetworkError         = "llm_network_error"
	CodeTimeout              = "llm_timeout"
	CodeInvalidResponse      = "llm_invalid_response"
	CodeRequestFailed        = "llm_request_failed"
	CodeInvalidOutput        = "invalid_output"
)

// transientStatus are HTTP statuses worth retrying within one analyze
// call.
var transientStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Error is a classified client failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Config holds provider selection and request policy.
type Config struct {
	ProviderName  string
	ModelName     string
	APIKey        string
	BaseURL       string // empty means the provider default
	PromptVersion string
	MaxRetries    int // attempts per request, minimum 1
	Timeout       time.Duration
	ProxyURL      string

	// HTTPClient overrides the built-in client when set. Used by tests.
	HTTPClient *http.Client
}

// Request carries one analysis task.
type Request struct {
	SourceURL    string
	SourceDomain string
	SourceTitle  string
	Content      string
	RepairMode   bool
}

// Result is a validated model analysis.
type Result struct {
	SourceLanguage string // "zh" or "non-zh"
	Title          string
	TitleZh        string
	PublishedAt    *time.Time
	SummaryShort   string
	SummaryShortZh string
	SummaryLong    string
	SummaryLongZh  string
	Tags           []string
	TagsZh         []string
	ModelName      string
	InputTokens    *int
	OutputTokens   *int
	RawResponse    json.RawMessage
}

// Client calls a chat model provider. Safe for concurrent use.
type Client struct {
	config     Config
	provider   Provider
	httpClient *http.Client
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewClient resolves the provider style and builds the HTTP client. The
// API key is checked at request time so a partially configured service
// can still start.
func NewClient(config Config) (*Client, error) {
	provider, err := ResolveProvider(config.ProviderName)
	if err != nil {
		return nil, err
	}
	if config.MaxRetries < 1 {
		config.MaxRetries = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if proxy := strings.TrimSpace(config.ProxyURL); proxy != "" {
			proxyURL, err := url.Parse(proxy)
			if err != nil {
				return nil, fmt.Errorf("invalid proxy URL: %w", err)
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		}
		httpClient = &http.Client{
			Timeout:   config.Timeout,
			Transport: otelhttp.NewTransport(transport),
		}
	}

	return &Client{
		config:     config,
		provider:   provider,
		httpClient: httpClient,
		sleep:      sleepContext,
	}, nil
}

// Provider returns the resolved provider style name.
func (c *Client) Provider() string { return c.provider.Style() }

// ModelName returns the configured model name.
func (c *Client) ModelName() string { return c.config.ModelName }

// Analyze sends one analysis request, retrying transient transport and
// HTTP failures with exponential backoff.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	apiKey := strings.TrimSpace(c.config.APIKey)
	if apiKey == "" {
		return nil, &Error{Code: CodeNotConfigured, Message: "model API key is not configured"}
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, err
	}

	payload := c.provider.BuildPayload(
		c.config.ModelName,
		systemPrompt(req.RepairMode),
		userPayload(req, c.config.PromptVersion),
	)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding request payload: %w", err)
	}

	raw, err := c.requestWithRetry(ctx, endpoint, apiKey, body)
	if err != nil {
		return nil, err
	}

	var response map[string]any
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, &Error{Code: CodeInvalidResponse, Message: "failed to decode model service response"}
	}

	result, err := parseResult(c.provider, response)
	if err != nil {
		return nil, err
	}
	if result.ModelName == "" {
		result.ModelName = c.config.ModelName
	}
	result.RawResponse = json.RawMessage(raw)
	return result, nil
}

// AnalyzeWithRepair runs Analyze and, if the model produced structurally
// invalid output, retries exactly once in repair mode with a stricter
// prompt. All other failures pass through unchanged.
func (c *Client) AnalyzeWithRepair(ctx context.Context, req Request) (*Result, bool, error) {
	req.RepairMode = false
	result, err := c.Analyze(ctx, req)
	if err == nil {
		return result, false, nil
	}

	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Code != CodeInvalidOutput {
		return nil, false, err
	}

	req.RepairMode = true
	result, repairErr := c.Analyze(ctx, req)
	if repairErr != nil {
		return nil, true, repairErr
	}
	return result, true, nil
}

func (c *Client) endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.config.BaseURL), "/")
	if base == "" {
		base = c.provider.DefaultBaseURL()
	}
	if base == "" {
		return "", &Error{Code: CodeBaseURLNotConfigured, Message: "model service base URL is not configured"}
	}
	return c.provider.Endpoint(base, c.config.ModelName)
}

func (c *Client) requestWithRetry(ctx context.Context, endpoint, apiKey string, body []byte) ([]byte, error) {
	retries := c.config.MaxRetries
	headers := c.provider.Headers(apiKey)

	for attempt := 1; attempt <= retries; attempt++ {
		raw, retryable, err := c.doRequest(ctx, endpoint, headers, body)
		if err == nil {
			return raw, nil
		}
		if !retryable || attempt == retries {
			return nil, err
		}
		if sleepErr := c.sleep(ctx, backoffDelay(attempt)); sleepErr != nil {
			return nil, err
		}
	}
	return nil, &Error{Code: CodeRequestFailed, Message: "model service request failed"}
}

// doRequest performs one HTTP exchange. The second return value reports
// whether the failure is worth retrying.
func (c *Client) doRequest(ctx context.Context, endpoint string, headers http.Header, body []byte) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create request: %w", err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, true, &Error{Code: CodeTimeout, Message: "model service request timed out"}
		}
		return nil, true, &Error{Code: CodeNetworkError, Message: "model service network error"}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, &Error{Code: CodeNetworkError, Message: "model service network error"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, transientStatus[resp.StatusCode], &Error{
			Code:    CodeHTTPError,
			Message: fmt.Sprintf("model service request failed (HTTP %d)", resp.StatusCode),
		}
	}
	return raw, false, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// backoffDelay follows the sequence 1s, 2s, 4s, capped at 8s.
func backoffDelay(attempt int) time.Duration {
	shift := attempt - 1
	if shift > 3 {
		shift = 3
	}
	return time.Duration(1<<shift) * time.Second
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// systemPrompt instructs the model to answer with a strict JSON object.
// Repair mode adds an extra warning after a malformed previous round.
func systemPrompt(repairMode bool) string {
	prompt := "You are a content analysis assistant. " +
		"Respond with a strict JSON object whose fields are source_language, title, published_at, summary_short, summary_long, tags. " +
		"If source_language=non-zh you must also return title_zh, summary_short_zh, summary_long_zh and tags_zh. " +
		"If source_language=zh those fields are optional. " +
		"source_language must be zh or non-zh. " +
		"summary_short: at most 100 Chinese or 200 English characters. " +
		"summary_long: at most 300 Chinese or 600 English characters. " +
		"published_at may be empty; prefer ISO8601. " +
		"tags/tags_zh must be 1 to 5 hashtag-style labels without the leading #, " +
		"using Chinese, lowercase English, digits, underscores or hyphens. " +
		"Output nothing except the JSON object."
	if repairMode {
		prompt += " The previous response was not valid JSON; this round must strictly follow the JSON structure."
	}
	return prompt
}

// userPayload serializes the analysis task. The schema description rides
// along so schema drift can be fixed without retraining prompts elsewhere.
func userPayload(req Request, promptVersion string) string {
	payload := map[string]any{
		"task":           "analyze_external_content",
		"source_url":     req.SourceURL,
		"source_domain":  req.SourceDomain,
		"source_title":   req.SourceTitle,
		"prompt_version": promptVersion,
		"content":        req.Content,
		"output_schema": map[string]string{
			"source_language":  "string, required, enum: zh | non-zh",
			"title":            "string, optional, <=120 chars",
			"title_zh":         "string, optional when zh, required when non-zh, <=120 chars",
			"published_at":     "string, optional, datetime",
			"summary_short":    "string, required, <=100 Chinese chars or <=200 English chars",
			"summary_long":     "string, required, <=300 Chinese chars or <=600 English chars",
			"summary_short_zh": "string, optional when zh, required when non-zh, <=100 Chinese chars",
			"summary_long_zh":  "string, optional when zh, required when non-zh, <=300 Chinese chars",
			"tags":             "string[], required, 1~5, original-language hashtags without #",
			"tags_zh":          "string[], optional when zh, required when non-zh, Chinese hashtags without #",
		},
	}
	encoded, _ := json.Marshal(payload)
	return string(encoded)
}
