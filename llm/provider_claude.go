package llm

import (
	"net/http"
	"strings"
)

const anthropicVersion = "2023-06-01"

// claudeProvider speaks the Anthropic messages API.
type claudeProvider struct{}

func (claudeProvider) Style() string          { return "claude" }
func (claudeProvider) DefaultBaseURL() string { return "https://api.anthropic.com" }

func (claudeProvider) Endpoint(baseURL, model string) (string, error) {
	if strings.HasSuffix(baseURL, "/messages") {
		return baseURL, nil
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/messages", nil
	}
	return baseURL + "/v1/messages", nil
}

func (claudeProvider) Headers(apiKey string) http.Header {
	return http.Header{
		"X-Api-Key":         []string{apiKey},
		"Anthropic-Version": []string{anthropicVersion},
		"Content-Type":      []string{"application/json"},
	}
}

func (claudeProvider) BuildPayload(model, systemPrompt, userPayload string) any {
	return map[string]any{
		"model":       model,
		"max_tokens":  1024,
		"temperature": 0.2,
		"system":      systemPrompt,
		"messages": []map[string]any{
			{
				"role": "user",
				"content": []map[string]any{
					{"type": "text", "text": userPayload},
				},
			},
		},
	}
}

func (claudeProvider) ExtractText(response map[string]any) (string, error) {
	return joinTextParts(response["content"]), nil
}

func (claudeProvider) ExtractUsage(response map[string]any) Usage {
	usage := objectField(response, "usage")
	return Usage{
		ModelName:    stringField(response, "model"),
		InputTokens:  intField(usage, "input_tokens"),
		OutputTokens: intField(usage, "output_tokens"),
	}
}
