package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zhaobenny/haikugate/internal/model"
)

// LiteLLMPricingURL is the community-maintained price list used by Fetch
const LiteLLMPricingURL = "https://raw.githubusercontent.com/BerriAI/litellm/main/model_prices_and_context_window.json"

// liteLLMModel represents the pricing structure from LiteLLM
type liteLLMModel struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`
	LiteLLMProvider    string  `json:"litellm_provider"`
}

// Table maps model names to their per-token pricing
type Table map[string]model.ModelPricing

// defaultPricing is used when a model is not in the table (Claude 3 Haiku rates)
var defaultPricing = model.ModelPricing{
	InputCostPerToken:  2.5e-07,
	OutputCostPerToken: 1.25e-06,
}

// Embedded returns the built-in pricing table
func Embedded() Table {
	return Table{
		// Haiku 4.5
		"claude-haiku-4-5-20251001": {InputCostPerToken: 1e-06, OutputCostPerToken: 5e-06},
		"claude-haiku-4-5":          {InputCostPerToken: 1e-06, OutputCostPerToken: 5e-06},
		// Haiku 3.5
		"claude-3-5-haiku-20241022": {InputCostPerToken: 8e-07, OutputCostPerToken: 4e-06},
		"claude-3-5-haiku-latest":   {InputCostPerToken: 8e-07, OutputCostPerToken: 4e-06},
		// Haiku 3
		"claude-3-haiku-20240307": {InputCostPerToken: 2.5e-07, OutputCostPerToken: 1.25e-06},
		// Sonnet 4.5
		"claude-sonnet-4-5-20250929": {InputCostPerToken: 3e-06, OutputCostPerToken: 1.5e-05},
		"claude-sonnet-4-5":          {InputCostPerToken: 3e-06, OutputCostPerToken: 1.5e-05},
		// Sonnet 3.5
		"claude-3-5-sonnet-20241022": {InputCostPerToken: 3e-06, OutputCostPerToken: 1.5e-05},
		// OpenAI-compatible
		"gpt-4o-mini":  {InputCostPerToken: 1.5e-07, OutputCostPerToken: 6e-07},
		"gpt-4o":       {InputCostPerToken: 2.5e-06, OutputCostPerToken: 1e-05},
		"gpt-4.1-mini": {InputCostPerToken: 4e-07, OutputCostPerToken: 1.6e-06},
	}
}

// PerMillion converts prices quoted per million tokens into a ModelPricing
func PerMillion(input, output float64) model.ModelPricing {
	return model.ModelPricing{
		InputCostPerToken:  input / 1e6,
		OutputCostPerToken: output / 1e6,
	}
}

// Merge returns a copy of t with overrides applied on top
func (t Table) Merge(overrides Table) Table {
	merged := make(Table, len(t)+len(overrides))
	for k, v := range t {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// Lookup returns pricing for a model and whether it was found
func (t Table) Lookup(modelName string) (model.ModelPricing, bool) {
	// Try exact match first
	if p, ok := t[modelName]; ok {
		return p, true
	}

	normalized := normalizeModelName(modelName)
	for name, p := range t {
		if normalizeModelName(name) == normalized {
			return p, true
		}
	}
	return model.ModelPricing{}, false
}

// For returns pricing for a model, falling back to the default rates
func (t Table) For(modelName string) model.ModelPricing {
	if p, ok := t.Lookup(modelName); ok {
		return p
	}
	slog.Warn("unknown model, using default pricing", "model", modelName)
	return defaultPricing
}

// Fetch downloads the LiteLLM price list and keeps Anthropic and OpenAI models.
// Callers fall back to Embedded on error.
func Fetch(ctx context.Context, client *http.Client, url string) (Table, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pricing: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch pricing: server returned status %d", resp.StatusCode)
	}

	var raw map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode pricing: %w", err)
	}

	table := make(Table)
	for name, blob := range raw {
		var data liteLLMModel
		// The list carries a "sample_spec" entry with a different shape
		if err := json.Unmarshal(blob, &data); err != nil {
			continue
		}
		if data.LiteLLMProvider != "anthropic" && data.LiteLLMProvider != "openai" {
			continue
		}
		table[name] = model.ModelPricing{
			InputCostPerToken:  data.InputCostPerToken,
			OutputCostPerToken: data.OutputCostPerToken,
		}
	}
	return table, nil
}

// normalizeModelName normalizes model names for matching
func normalizeModelName(name string) string {
	name = strings.ToLower(name)
	name = strings.TrimPrefix(name, "anthropic/")
	name = strings.TrimPrefix(name, "openai/")
	name = strings.ReplaceAll(name, "-", "")
	name = strings.ReplaceAll(name, "_", "")
	name = strings.ReplaceAll(name, ".", "")
	return name
}

// CalculateCost calculates the cost in USD for one call
func CalculateCost(usage model.TokenUsage, pricing model.ModelPricing) float64 {
	cost := float64(usage.InputTokens) * pricing.InputCostPerToken
	cost += float64(usage.OutputTokens) * pricing.OutputCostPerToken
	return cost
}

// EstimateCost prices a call before it is made from an input token count
// and an expected output size
func EstimateCost(t Table, modelName string, inputTokens, outputTokens int64) float64 {
	return CalculateCost(model.TokenUsage{InputTokens: inputTokens, OutputTokens: outputTokens}, t.For(modelName))
}
