package model

// TokenUsage contains token counts reported by the upstream API for one call
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// ModelPricing contains pricing info for a model (per token, not per million)
type ModelPricing struct {
	InputCostPerToken  float64
	OutputCostPerToken float64
}

// UsageMetrics describes the most recent successful generation call.
// It is overwritten by every call, never accumulated.
type UsageMetrics struct {
	Model            string  `json:"model"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}
