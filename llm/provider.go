package llm

import (
	"fmt"
	"net/http"
	"strings"
)

// Usage is the token accounting reported by a provider, when available.
type Usage struct {
	ModelName    string
	InputTokens  *int
	OutputTokens *int
}

// Provider adapts one upstream chat API shape: endpoint layout, auth
// headers, request payload and response envelope. Implementations are
// stateless.
type Provider interface {
	// Style is the canonical provider style name (openai, gemini, claude).
	Style() string
	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL() string
	// Endpoint resolves the full request URL from a base URL with any
	// trailing slash already removed.
	Endpoint(baseURL, model string) (string, error)
	// Headers returns the auth and content headers for a request.
	Headers(apiKey string) http.Header
	// BuildPayload assembles the provider-specific request body.
	BuildPayload(model, systemPrompt, userPayload string) any
	// ExtractText pulls the generated text out of a decoded response.
	ExtractText(response map[string]any) (string, error)
	// ExtractUsage reads the model name and token counts from a response.
	ExtractUsage(response map[string]any) Usage
}

// providerAliases maps configured provider names onto canonical styles.
var providerAliases = map[string]string{
	"openai":        "openai",
	"gemini":        "gemini",
	"google":        "gemini",
	"google-gemini": "gemini",
	"claude":        "claude",
	"anthropic":     "claude",
}

// ResolveProvider maps a configured provider name (case-insensitive,
// underscores treated as hyphens) onto its implementation.
func ResolveProvider(name string) (Provider, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
	switch providerAliases[normalized] {
	case "openai":
		return openaiProvider{}, nil
	case "gemini":
		return geminiProvider{}, nil
	case "claude":
		return claudeProvider{}, nil
	}
	return nil, &Error{
		Code:    CodeProviderNotSupported,
		Message: fmt.Sprintf("unsupported provider style: %s", name),
	}
}

// stringField reads a string value from a decoded JSON object.
func stringField(obj map[string]any, key string) string {
	value, _ := obj[key].(string)
	return strings.TrimSpace(value)
}

// intField reads a numeric value from a decoded JSON object. JSON numbers
// decode as float64; anything else yields nil.
func intField(obj map[string]any, key string) *int {
	switch v := obj[key].(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		n := v
		return &n
	}
	return nil
}

func objectField(obj map[string]any, key string) map[string]any {
	value, _ := obj[key].(map[string]any)
	return value
}

// joinTextParts concatenates the "text" fields of a content-part list.
// A plain string passes through unchanged.
func joinTextParts(content any) string {
	switch v := content.(type) {
	case string:
		return strings.TrimSpace(v)
	case []any:
		var b strings.Builder
		for _, item := range v {
			part, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				b.WriteString(text)
			}
		}
		return strings.TrimSpace(b.String())
	}
	return ""
}
