package llm

import (
	"net/http"
	"strings"
)

// openaiProvider speaks the OpenAI chat completions API, which most
// self-hosted and proxy gateways also expose.
type openaiProvider struct{}

func (openaiProvider) Style() string          { return "openai" }
func (openaiProvider) DefaultBaseURL() string { return "https://api.openai.com" }

func (openaiProvider) Endpoint(baseURL, model string) (string, error) {
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL, nil
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL + "/chat/completions", nil
	}
	return baseURL + "/v1/chat/completions", nil
}

func (openaiProvider) Headers(apiKey string) http.Header {
	return http.Header{
		"Authorization": []string{"Bearer " + apiKey},
		"Content-Type":  []string{"application/json"},
	}
}

func (openaiProvider) BuildPayload(model, systemPrompt, userPayload string) any {
	return map[string]any{
		"model":           model,
		"temperature":     0.2,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPayload},
		},
	}
}

func (openaiProvider) ExtractText(response map[string]any) (string, error) {
	choices, _ := response["choices"].([]any)
	if len(choices) == 0 {
		return "", &Error{Code: CodeInvalidOutput, Message: "model returned no choices"}
	}
	choice, _ := choices[0].(map[string]any)
	message := objectField(choice, "message")
	if message == nil {
		return "", &Error{Code: CodeInvalidOutput, Message: "model returned no message"}
	}
	return joinTextParts(message["content"]), nil
}

func (openaiProvider) ExtractUsage(response map[string]any) Usage {
	usage := objectField(response, "usage")
	return Usage{
		ModelName:    stringField(response, "model"),
		InputTokens:  intField(usage, "prompt_tokens"),
		OutputTokens: intField(usage, "completion_tokens"),
	}
}
