package provider

import (
	"context"
	"time"

	"github.com/evidently-aeo/aeo-collector/aeoerr"
	"github.com/evidently-aeo/aeo-collector/config"
	"github.com/evidently-aeo/aeo-collector/normalize"
	"github.com/evidently-aeo/aeo-collector/obslog"
)

// DirectLLMAdapter POSTs a chat-completion request to an OpenAI-compatible
// endpoint and returns the first choice content verbatim, with empty
// citations.
type DirectLLMAdapter struct {
	name    string
	apiKey  string
	baseURL string
	model   string
	caller  *httpCaller
}

// NewDirectLLMAdapter constructs a chat-completion-style adapter for name,
// pointed at baseURL (an OpenAI-compatible /chat/completions endpoint).
func NewDirectLLMAdapter(name string, creds config.ProviderCredentials, logger obslog.Logger) (Adapter, error) {
	if creds.APIKey == "" {
		return nil, aeoerr.New(aeoerr.ErrConfigurationMissing, "missing API key for "+name, 0, nil)
	}
	baseURL := creds.BaseURL
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	model := creds.Extra["model"]
	if model == "" {
		model = name
	}
	return &DirectLLMAdapter{
		name:    name,
		apiKey:  creds.APIKey,
		baseURL: baseURL,
		model:   model,
		caller:  newHTTPCaller(90*time.Second, logger),
	}, nil
}

func (a *DirectLLMAdapter) Name() string { return a.name }

func (a *DirectLLMAdapter) Call(ctx context.Context, in Input) (Output, error) {
	body := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "user", "content": in.Prompt},
		},
	}
	data, _, err := a.caller.do(ctx, requestSpec{
		Method: "POST",
		URL:    a.baseURL + "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + a.apiKey,
		},
		Body: body,
	}, 1)
	if err != nil {
		return Output{}, err
	}

	parsed, err := decodeJSON(data, 1)
	if err != nil {
		return Output{}, err
	}

	answer := extractChoiceContent(parsed)
	if answer == "" {
		return Output{}, aeoerr.New(aeoerr.ErrEmptyResponse, "backend returned no usable content", 1, nil)
	}

	return Output{
		Answer:    answer,
		Response:  answer,
		ModelUsed: normalize.ExtractModel(parsed),
		Metadata:  map[string]interface{}{"provider": a.name},
	}, nil
}

func extractChoiceContent(root map[string]interface{}) string {
	choices, ok := root["choices"].([]interface{})
	if !ok || len(choices) == 0 {
		return ""
	}
	first, ok := choices[0].(map[string]interface{})
	if !ok {
		return ""
	}
	if msg, ok := first["message"].(map[string]interface{}); ok {
		if content, ok := msg["content"].(string); ok {
			return content
		}
	}
	if text, ok := first["text"].(string); ok {
		return text
	}
	return ""
}
