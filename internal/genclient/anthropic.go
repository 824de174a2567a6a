package genclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion     = "2023-06-01"
	defaultAnthropicBaseURL = "https://api.anthropic.com"
)

type anthropicRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicCountResponse struct {
	InputTokens int `json:"input_tokens"`
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// AnthropicProvider talks to the Anthropic Messages API
type AnthropicProvider struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

// NewAnthropicProvider creates a provider. An empty baseURL uses the public API.
func NewAnthropicProvider(apiKey, baseURL string, timeout time.Duration) *AnthropicProvider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &AnthropicProvider{
		httpClient: &http.Client{Timeout: timeout},
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// CallModel sends one message and returns the concatenated text blocks
func (a *AnthropicProvider) CallModel(ctx context.Context, call Call) (Completion, error) {
	temp := call.Temperature
	payload := anthropicRequest{
		Model:       call.Model,
		Messages:    []Message{{Role: "user", Content: call.Prompt}},
		MaxTokens:   call.MaxTokens,
		Temperature: &temp,
	}

	var resp anthropicResponse
	if err := a.post(ctx, "/v1/messages", payload, &resp); err != nil {
		return Completion{}, err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return Completion{}, &MalformedResponseError{Reason: "no text content", Err: ErrEmptyCompletion}
	}

	return Completion{
		Text:         sb.String(),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// CountTokens asks the API how many input tokens messages would use
func (a *AnthropicProvider) CountTokens(ctx context.Context, messages []Message, model string) (int, error) {
	payload := anthropicRequest{Model: model, Messages: messages}

	var resp anthropicCountResponse
	if err := a.post(ctx, "/v1/messages/count_tokens", payload, &resp); err != nil {
		return 0, err
	}
	return resp.InputTokens, nil
}

func (a *AnthropicProvider) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var eb anthropicErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error.Type != "" {
			se.Type = eb.Error.Type
			se.Message = eb.Error.Message
		}
		return se
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &MalformedResponseError{Reason: "invalid JSON", Err: err}
	}
	return nil
}
