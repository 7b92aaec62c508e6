package prompt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAIOptions configures the model-backed assistant.
type OpenAIOptions struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// Fallback handles the request when the model call fails. When nil the
	// error is returned to the caller instead.
	Fallback   Assistant
	OnFallback func(reason string, err error)
}

// OpenAIAssistant rewrites prompts through a chat-completion endpoint.
type OpenAIAssistant struct {
	apiKey     string
	model      string
	baseURL    string
	client     *http.Client
	fallback   Assistant
	onFallback func(reason string, err error)
}

const (
	openAIProviderName   = "openai"
	openAIDefaultTimeout = 15 * time.Second
	defaultOpenAIModel   = "gpt-4o-mini"
)

type openAIChatRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func NewOpenAIAssistant(opts OpenAIOptions) (*OpenAIAssistant, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultOpenAIModel
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: openAIDefaultTimeout}
	}
	return &OpenAIAssistant{
		apiKey:     opts.APIKey,
		model:      model,
		baseURL:    baseURL,
		client:     client,
		fallback:   opts.Fallback,
		onFallback: opts.OnFallback,
	}, nil
}

func (o *OpenAIAssistant) Assist(ctx context.Context, req AssistRequest) (*AssistResponse, error) {
	res, err := o.assist(ctx, req)
	if err == nil {
		return res, nil
	}
	if o.fallback == nil {
		return nil, err
	}
	if o.onFallback != nil {
		o.onFallback("assist", err)
	}
	return o.fallback.Assist(ctx, req)
}

func (o *OpenAIAssistant) assist(ctx context.Context, req AssistRequest) (*AssistResponse, error) {
	body := openAIChatRequest{
		Model:       o.model,
		Temperature: 0.7,
		Messages: []openAIMessage{
			{Role: "system", Content: assistSystemPrompt},
			{Role: "user", Content: buildAssistPayload(req)},
		},
		ResponseFormat: &openAIFormat{Type: "json_object"},
	}
	raw, err := o.chat(ctx, body)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Prompt   string   `json:"prompt"`
		Keywords []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(extractJSONFragment(raw)), &decoded); err != nil {
		return nil, fmt.Errorf("openai: decode assist payload: %w", err)
	}
	if strings.TrimSpace(decoded.Prompt) == "" {
		return nil, errors.New("openai: empty prompt in assist payload")
	}
	return &AssistResponse{
		Prompt:   strings.TrimSpace(decoded.Prompt),
		Keywords: decoded.Keywords,
		Provider: openAIProviderName,
	}, nil
}

func (o *OpenAIAssistant) chat(ctx context.Context, payload openAIChatRequest) (string, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+o.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("openai: unexpected status %d", resp.StatusCode)
	}
	var decoded openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return decoded.Choices[0].Message.Content, nil
}

var _ Assistant = (*OpenAIAssistant)(nil)

const assistSystemPrompt = `You rewrite short user prompts into rich, concrete prompts for image and video generation models. Respond strictly with JSON matching {"prompt":string,"keywords":string[]}. Keep the user's subject, add lighting, composition and detail hints, and never add content the user did not imply.`

func buildAssistPayload(req AssistRequest) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "prompt=%q", req.Prompt)
	if req.Style != "" {
		fmt.Fprintf(sb, " style=%q", req.Style)
	}
	if req.Locale != "" {
		fmt.Fprintf(sb, " locale=%q", req.Locale)
	}
	return sb.String()
}

// extractJSONFragment strips markdown fencing some models wrap around JSON.
func extractJSONFragment(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.IndexAny(text, "{[")
	if start > 0 {
		text = text[start:]
	}
	return text
}
