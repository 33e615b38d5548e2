package llm

import (
	"net/http"
	"strings"
)

// geminiProvider speaks the Google Generative Language generateContent
// API.
type geminiProvider struct{}

func (geminiProvider) Style() string          { return "gemini" }
func (geminiProvider) DefaultBaseURL() string { return "https://generativelanguage.googleapis.com" }

func (geminiProvider) Endpoint(baseURL, model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", &Error{Code: CodeModelNotConfigured, Message: "model name is not configured"}
	}
	modelPath := model
	if !strings.HasPrefix(modelPath, "models/") {
		modelPath = "models/" + modelPath
	}
	if strings.HasSuffix(baseURL, "/v1") || strings.HasSuffix(baseURL, "/v1beta") {
		return baseURL + "/" + modelPath + ":generateContent", nil
	}
	return baseURL + "/v1beta/" + modelPath + ":generateContent", nil
}

func (geminiProvider) Headers(apiKey string) http.Header {
	return http.Header{
		"X-Goog-Api-Key": []string{apiKey},
		"Content-Type":   []string{"application/json"},
	}
}

func (geminiProvider) BuildPayload(model, systemPrompt, userPayload string) any {
	return map[string]any{
		"systemInstruction": map[string]any{
			"parts": []map[string]any{{"text": systemPrompt}},
		},
		"contents": []map[string]any{
			{
				"role":  "user",
				"parts": []map[string]any{{"text": userPayload}},
			},
		},
		"generationConfig": map[string]any{
			"temperature":      0.2,
			"responseMimeType": "application/json",
		},
	}
}

func (geminiProvider) ExtractText(response map[string]any) (string, error) {
	candidates, _ := response["candidates"].([]any)
	if len(candidates) == 0 {
		return "", &Error{Code: CodeInvalidOutput, Message: "model returned no candidates"}
	}
	candidate, _ := candidates[0].(map[string]any)
	content := objectField(candidate, "content")
	if content == nil {
		return "", &Error{Code: CodeInvalidOutput, Message: "model returned no content"}
	}
	return joinTextParts(content["parts"]), nil
}

func (geminiProvider) ExtractUsage(response map[string]any) Usage {
	usage := objectField(response, "usageMetadata")
	return Usage{
		ModelName:    stringField(response, "modelVersion"),
		InputTokens:  intField(usage, "promptTokenCount"),
		OutputTokens: intField(usage, "candidatesTokenCount"),
	}
}
