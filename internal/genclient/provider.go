package genclient

import "context"

// Message is one chat turn sent upstream
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Call is a single upstream generation request
type Call struct {
	Model       string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is the raw upstream answer
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// Provider is the upstream generative API.
// Errors should be *StatusError for HTTP failures and *MalformedResponseError
// for unusable 2xx bodies so Classify can map them.
type Provider interface {
	CallModel(ctx context.Context, call Call) (Completion, error)
	CountTokens(ctx context.Context, messages []Message, model string) (int, error)
}
