package genclient

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to any OpenAI-compatible chat completion endpoint
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider creates a provider. An empty baseURL uses the public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// CallModel sends one user message as a chat completion
func (o *OpenAIProvider) CallModel(ctx context.Context, call Call) (Completion, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: call.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: call.Prompt},
		},
		MaxCompletionTokens: call.MaxTokens,
		Temperature:         float32(call.Temperature),
	})
	if err != nil {
		return Completion{}, mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return Completion{}, &MalformedResponseError{Reason: "no choices", Err: ErrEmptyCompletion}
	}

	return Completion{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}

// CountTokens is not offered by the chat API. It returns the character
// heuristic together with ErrCountUnsupported so the count is never taken
// as exact.
func (o *OpenAIProvider) CountTokens(_ context.Context, messages []Message, _ string) (int, error) {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content)
	}
	return total, ErrCountUnsupported
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		typ := apiErr.Type
		if code, ok := apiErr.Code.(string); ok && code != "" {
			typ = code
		}
		return &StatusError{StatusCode: apiErr.HTTPStatusCode, Type: typ, Message: apiErr.Message}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		msg := reqErr.HTTPStatus
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &StatusError{StatusCode: reqErr.HTTPStatusCode, Message: msg}
	}
	return err
}
