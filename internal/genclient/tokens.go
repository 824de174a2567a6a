package genclient

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/zhaobenny/haikugate/internal/pricing"
)

// TokenCountStatus is the outcome of a CountTokens call
type TokenCountStatus string

const (
	TokenCountOK          TokenCountStatus = "success"
	TokenCountRateLimited TokenCountStatus = "rate_limit"
	TokenCountError       TokenCountStatus = "error"
)

const charsPerToken = 4

// tierCapacity is the number of count_tokens calls allowed per minute by account tier
var tierCapacity = map[int]int{
	1: 80,
	2: 800,
	3: 1600,
	4: 3200,
	5: 6400,
}

// newTierLimiter returns a token bucket refilled to the tier capacity every minute
func newTierLimiter(tier int) *rate.Limiter {
	capacity, ok := tierCapacity[tier]
	if !ok {
		capacity = tierCapacity[1]
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(capacity)), capacity)
}

// EstimateTokens approximates the token count of text from its length
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / charsPerToken))
}

// CountTokens asks the provider for an exact input token count. The local
// tier limiter is consulted first; when it is exhausted the provider is not
// called and TokenCountRateLimited is returned.
func (c *Client) CountTokens(ctx context.Context, messages []Message) (int, TokenCountStatus) {
	if !c.counter.Allow() {
		return 0, TokenCountRateLimited
	}

	n, err := c.provider.CountTokens(ctx, messages, c.model)
	if err != nil {
		ce := Classify(err)
		c.logger.Debug("token count failed", "kind", ce.Kind, "error", err)
		if ce.Kind == KindQuotaExhausted {
			return 0, TokenCountRateLimited
		}
		return 0, TokenCountError
	}
	return n, TokenCountOK
}

// CostEstimate is the projected price of generating from one prompt
type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	Precise      bool    `json:"precise"` // input tokens came from the provider
}

// EstimateCost prices prompt before sending it, using the provider token
// count when available and the length heuristic otherwise
func (c *Client) EstimateCost(ctx context.Context, prompt string, expectedOutputTokens int) CostEstimate {
	if expectedOutputTokens <= 0 {
		expectedOutputTokens = c.maxOutputTokens
	}

	est := CostEstimate{OutputTokens: expectedOutputTokens}
	n, status := c.CountTokens(ctx, []Message{{Role: "user", Content: prompt}})
	if status == TokenCountOK {
		est.InputTokens = n
		est.Precise = true
	} else {
		est.InputTokens = EstimatePromptTokens(prompt)
	}
	est.CostUSD = pricing.EstimateCost(c.pricing, c.model, int64(est.InputTokens), int64(est.OutputTokens))
	return est
}

// promptOverheadTokens covers message framing the heuristic does not see
const promptOverheadTokens = 50

// EstimatePromptTokens is the offline input token estimate for one prompt
func EstimatePromptTokens(prompt string) int {
	return EstimateTokens(prompt) + promptOverheadTokens
}
