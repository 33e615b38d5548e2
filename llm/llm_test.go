package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const validAnalysisJSON = `{
	"source_language": "zh",
	"title": "标题",
	"summary_short": "短摘要。",
	"summary_long": "长摘要，包含更多细节。",
	"tags": ["技术"]
}`

func openaiBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"model": "gpt-test",
		"choices": []any{
			map[string]any{"message": map[string]any{"content": content}},
		},
		"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5},
	})
	return string(body)
}

func newTestClient(t *testing.T, serverURL string, mutate func(*Config)) *Client {
	t.Helper()
	config := Config{
		ProviderName: "openai",
		ModelName:    "gpt-test",
		APIKey:       "test-key",
		BaseURL:      serverURL,
		MaxRetries:   3,
		Timeout:      5 * time.Second,
	}
	if mutate != nil {
		mutate(&config)
	}
	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client
}

func testRequest() Request {
	return Request{
		SourceURL:    "https://example.com/post",
		SourceDomain: "example.com",
		SourceTitle:  "Post",
		Content:      "body text",
	}
}

func TestResolveProvider(t *testing.T) {
	tests := []struct {
		name  string
		style string
	}{
		{"openai", "openai"},
		{"OpenAI", "openai"},
		{"gemini", "gemini"},
		{"google", "gemini"},
		{"google_gemini", "gemini"},
		{"claude", "claude"},
		{"Anthropic", "claude"},
	}
	for _, tt := range tests {
		provider, err := ResolveProvider(tt.name)
		if err != nil {
			t.Errorf("ResolveProvider(%q): %v", tt.name, err)
			continue
		}
		if provider.Style() != tt.style {
			t.Errorf("ResolveProvider(%q).Style() = %q, want %q", tt.name, provider.Style(), tt.style)
		}
	}

	if _, err := ResolveProvider("mystery"); err == nil {
		t.Error("ResolveProvider(mystery) succeeded, want error")
	}
}

func TestProviderEndpoints(t *testing.T) {
	tests := []struct {
		provider Provider
		base     string
		want     string
	}{
		{openaiProvider{}, "https://api.openai.com", "https://api.openai.com/v1/chat/completions"},
		{openaiProvider{}, "https://gw.internal/v1", "https://gw.internal/v1/chat/completions"},
		{openaiProvider{}, "https://gw.internal/v1/chat/completions", "https://gw.internal/v1/chat/completions"},
		{geminiProvider{}, "https://generativelanguage.googleapis.com", "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent"},
		{geminiProvider{}, "https://gw.internal/v1beta", "https://gw.internal/v1beta/models/gemini-pro:generateContent"},
		{claudeProvider{}, "https://api.anthropic.com", "https://api.anthropic.com/v1/messages"},
		{claudeProvider{}, "https://gw.internal/v1", "https://gw.internal/v1/messages"},
	}
	for _, tt := range tests {
		model := "gpt-test"
		if tt.provider.Style() == "gemini" {
			model = "gemini-pro"
		}
		got, err := tt.provider.Endpoint(tt.base, model)
		if err != nil {
			t.Errorf("%s.Endpoint(%q): %v", tt.provider.Style(), tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s.Endpoint(%q) = %q, want %q", tt.provider.Style(), tt.base, got, tt.want)
		}
	}

	if _, err := (geminiProvider{}).Endpoint("https://x", ""); err == nil {
		t.Error("gemini endpoint without model succeeded, want error")
	}
}

func TestProviderHeaders(t *testing.T) {
	if got := (openaiProvider{}).Headers("k").Get("Authorization"); got != "Bearer k" {
		t.Errorf("openai Authorization = %q", got)
	}
	if got := (geminiProvider{}).Headers("k").Get("X-Goog-Api-Key"); got != "k" {
		t.Errorf("gemini X-Goog-Api-Key = %q", got)
	}
	claudeHeaders := (claudeProvider{}).Headers("k")
	if got := claudeHeaders.Get("X-Api-Key"); got != "k" {
		t.Errorf("claude X-Api-Key = %q", got)
	}
	if got := claudeHeaders.Get("Anthropic-Version"); got != anthropicVersion {
		t.Errorf("claude Anthropic-Version = %q", got)
	}
}

func TestAnalyzeSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if payload["model"] != "gpt-test" {
			t.Errorf("model = %v", payload["model"])
		}
		w.Write([]byte(openaiBody(validAnalysisJSON)))
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL, nil).Analyze(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if result.SourceLanguage != "zh" {
		t.Errorf("SourceLanguage = %q", result.SourceLanguage)
	}
	if len(result.RawResponse) == 0 {
		t.Error("RawResponse is empty")
	}
}

func TestAnalyzeMissingAPIKey(t *testing.T) {
	client := newTestClient(t, "http://unused", func(c *Config) { c.APIKey = "  " })
	_, err := client.Analyze(context.Background(), testRequest())
	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Code != CodeNotConfigured {
		t.Fatalf("err = %v, want %s", err, CodeNotConfigured)
	}
}

func TestAnalyzeRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(openaiBody(validAnalysisJSON)))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, nil).Analyze(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestAnalyzeNonTransientStatusFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, nil).Analyze(context.Background(), testRequest())
	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Code != CodeHTTPError {
		t.Fatalf("err = %v, want %s", err, CodeHTTPError)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1", got)
	}
}

func TestAnalyzeExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, nil).Analyze(context.Background(), testRequest())
	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Code != CodeHTTPError {
		t.Fatalf("err = %v, want %s", err, CodeHTTPError)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server calls = %d, want 3", got)
	}
}

func TestAnalyzeInvalidEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL, nil).Analyze(context.Background(), testRequest())
	var clientErr *Error
	if !errors.As(err, &clientErr) || clientErr.Code != CodeInvalidResponse {
		t.Fatalf("err = %v, want %s", err, CodeInvalidResponse)
	}
}

func TestAnalyzeWithRepair(t *testing.T) {
	t.Run("repair succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var payload struct {
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&payload)
			if calls.Add(1) == 1 {
				w.Write([]byte(openaiBody("I refuse to answer in JSON.")))
				return
			}
			// second round must carry the repair instruction
			if len(payload.Messages) == 0 || payload.Messages[0].Role != "system" {
				t.Error("repair round has no system message")
			}
			w.Write([]byte(openaiBody(validAnalysisJSON)))
		}))
		defer server.Close()

		result, repaired, err := newTestClient(t, server.URL, nil).AnalyzeWithRepair(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("AnalyzeWithRepair: %v", err)
		}
		if !repaired {
			t.Error("repaired = false, want true")
		}
		if result.SourceLanguage != "zh" {
			t.Errorf("SourceLanguage = %q", result.SourceLanguage)
		}
	})

	t.Run("repair fails", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(openaiBody("still not json")))
		}))
		defer server.Close()

		_, repaired, err := newTestClient(t, server.URL, nil).AnalyzeWithRepair(context.Background(), testRequest())
		if err == nil {
			t.Fatal("want error after failed repair")
		}
		if !repaired {
			t.Error("repaired = false, want true")
		}
		var clientErr *Error
		if !errors.As(err, &clientErr) || clientErr.Code != CodeInvalidOutput {
			t.Fatalf("err = %v, want %s", err, CodeInvalidOutput)
		}
	})

	t.Run("non-output errors pass through without repair", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer server.Close()

		_, repaired, err := newTestClient(t, server.URL, nil).AnalyzeWithRepair(context.Background(), testRequest())
		if repaired {
			t.Error("repaired = true, want false")
		}
		var clientErr *Error
		if !errors.As(err, &clientErr) || clientErr.Code != CodeHTTPError {
			t.Fatalf("err = %v, want %s", err, CodeHTTPError)
		}
		if got := calls.Load(); got != 1 {
			t.Errorf("server calls = %d, want 1", got)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, expected := range want {
		if got := backoffDelay(i + 1); got != expected {
			t.Errorf("backoffDelay(%d) = %v, want %v", i+1, got, expected)
		}
	}
}

func TestSystemPromptRepairMode(t *testing.T) {
	base := systemPrompt(false)
	repair := systemPrompt(true)
	if base == repair {
		t.Error("repair prompt should differ from the base prompt")
	}
	if len(repair) <= len(base) {
		t.Error("repair prompt should extend the base prompt")
	}
}
