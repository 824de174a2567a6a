// Package genclient wraps an upstream generative API with retries, failure
// classification, output normalization and usage accounting.
package genclient

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/observability"
	"github.com/zhaobenny/haikugate/internal/pricing"
)

const (
	DefaultModel           = "claude-3-haiku-20240307"
	DefaultMaxAttempts     = 3
	DefaultInitialBackoff  = 2 * time.Second
	DefaultMaxBackoff      = 10 * time.Second
	DefaultMaxInputTokens  = 200
	DefaultMaxOutputTokens = 100
	DefaultTemperature     = 0.7
)

var tracer = observability.Tracer("genclient")

// Options configures a Client. Zero values take the package defaults.
type Options struct {
	Provider        Provider
	Model           string
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	Jitter          float64 // randomization factor in [0,1)
	MaxInputTokens  int
	MaxOutputTokens int
	Temperature     *float64
	Tier            int
	Pricing         pricing.Table
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Client is safe for concurrent use
type Client struct {
	provider        Provider
	model           string
	maxAttempts     int
	initialBackoff  time.Duration
	maxBackoff      time.Duration
	jitter          float64
	maxInputTokens  int
	maxOutputTokens int
	temperature     float64
	pricing         pricing.Table
	counter         *rate.Limiter
	logger          *slog.Logger
	metrics         *observability.Metrics

	mu        sync.Mutex
	lastUsage *model.UsageMetrics
}

// New creates a Client
func New(opts Options) (*Client, error) {
	if opts.Provider == nil {
		return nil, errors.New("genclient: provider is required")
	}
	c := &Client{
		provider:        opts.Provider,
		model:           opts.Model,
		maxAttempts:     opts.MaxAttempts,
		initialBackoff:  opts.InitialBackoff,
		maxBackoff:      opts.MaxBackoff,
		jitter:          opts.Jitter,
		maxInputTokens:  opts.MaxInputTokens,
		maxOutputTokens: opts.MaxOutputTokens,
		temperature:     DefaultTemperature,
		pricing:         opts.Pricing,
		counter:         newTierLimiter(opts.Tier),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.initialBackoff <= 0 {
		c.initialBackoff = DefaultInitialBackoff
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = DefaultMaxBackoff
	}
	if c.maxInputTokens <= 0 {
		c.maxInputTokens = DefaultMaxInputTokens
	}
	if c.maxOutputTokens <= 0 {
		c.maxOutputTokens = DefaultMaxOutputTokens
	}
	if opts.Temperature != nil {
		c.temperature = *opts.Temperature
	}
	if c.pricing == nil {
		c.pricing = pricing.Embedded()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Model returns the default model id
func (c *Client) Model() string { return c.model }

// MaxInputTokens returns the prompt budget in tokens
func (c *Client) MaxInputTokens() int { return c.maxInputTokens }

// Generation is the detailed result of a successful Generate
type Generation struct {
	Text     string
	Model    string
	Usage    model.UsageMetrics
	Attempts int
}

// Generate returns normalized text for prompt. maxOutputTokens <= 0,
// a negative temperature and an empty modelID select the configured defaults.
func (c *Client) Generate(ctx context.Context, prompt string, maxOutputTokens int, temperature float64, modelID string) (string, error) {
	g, err := c.GenerateDetailed(ctx, prompt, maxOutputTokens, temperature, modelID)
	if err != nil {
		return "", err
	}
	return g.Text, nil
}

// GenerateDetailed is Generate plus usage and attempt count.
// Errors are always *Error.
func (c *Client) GenerateDetailed(ctx context.Context, prompt string, maxOutputTokens int, temperature float64, modelID string) (*Generation, error) {
	call := Call{
		Model:       modelID,
		Prompt:      c.truncate(prompt),
		MaxTokens:   maxOutputTokens,
		Temperature: temperature,
	}
	if call.Model == "" {
		call.Model = c.model
	}
	if call.MaxTokens <= 0 {
		call.MaxTokens = c.maxOutputTokens
	}
	if call.Temperature < 0 {
		call.Temperature = c.temperature
	}

	ctx, span := tracer.Start(ctx, "genclient.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", call.Model),
		attribute.Int("max_tokens", call.MaxTokens),
	)

	start := time.Now()
	attempts := 0
	op := func() (Completion, error) {
		attempts++
		comp, err := c.provider.CallModel(ctx, call)
		if err == nil && strings.TrimSpace(comp.Text) == "" {
			err = &MalformedResponseError{Reason: "blank text", Err: ErrEmptyCompletion}
		}
		if err != nil {
			ce := Classify(err)
			c.metrics.GenerationAttempt(string(ce.Kind))
			if !ce.Retryable {
				return comp, backoff.Permanent(ce)
			}
			return comp, ce
		}
		c.metrics.GenerationAttempt("ok")
		return comp, nil
	}

	comp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("generation attempt failed, retrying", "model", call.Model, "error", err, "backoff", wait)
		}),
	)
	span.SetAttributes(attribute.Int("attempts", attempts))

	if err != nil {
		ce := Classify(err)
		c.metrics.GenerationFailed(string(ce.Kind))
		c.metrics.GenerationDuration(string(ce.Kind), time.Since(start))
		span.RecordError(ce)
		span.SetStatus(codes.Error, string(ce.Kind))
		c.logger.Error("generation failed", "model", call.Model, "kind", ce.Kind, "attempts", attempts, "error", err)
		return nil, ce
	}

	usage := model.UsageMetrics{
		Model:        call.Model,
		InputTokens:  comp.InputTokens,
		OutputTokens: comp.OutputTokens,
	}
	usage.EstimatedCostUSD = pricing.CalculateCost(
		model.TokenUsage{InputTokens: comp.InputTokens, OutputTokens: comp.OutputTokens},
		c.pricing.For(call.Model),
	)
	c.mu.Lock()
	c.lastUsage = &usage
	c.mu.Unlock()

	c.metrics.Usage(usage.InputTokens, usage.OutputTokens, usage.EstimatedCostUSD)
	c.metrics.GenerationDuration("ok", time.Since(start))
	c.logger.Info("generation succeeded",
		"model", call.Model,
		"attempts", attempts,
		"input_tokens", usage.InputTokens,
		"output_tokens", usage.OutputTokens,
		"cost_usd", usage.EstimatedCostUSD,
	)

	return &Generation{
		Text:     RepairThreeLines(comp.Text),
		Model:    call.Model,
		Usage:    usage,
		Attempts: attempts,
	}, nil
}

// RetryPolicy is the effective retry configuration of a Client
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Jitter         float64
}

// RetryPolicy returns the bounds the retry loop runs with
func (c *Client) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    c.maxAttempts,
		InitialBackoff: c.initialBackoff,
		MaxBackoff:     c.maxBackoff,
		Jitter:         c.jitter,
	}
}

// newBackOff starts at the initial interval, doubles, and caps at the max
func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     c.initialBackoff,
		RandomizationFactor: c.jitter,
		Multiplier:          2,
		MaxInterval:         c.maxBackoff,
	}
}

// LastUsage returns the usage of the most recent successful call
func (c *Client) LastUsage() (model.UsageMetrics, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastUsage == nil {
		return model.UsageMetrics{}, false
	}
	return *c.lastUsage, true
}

// IsAvailable makes a tiny single-attempt call to check the credentials and endpoint
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.provider.CallModel(ctx, Call{Model: c.model, Prompt: "test", MaxTokens: 10, Temperature: c.temperature})
	return err == nil
}

// truncate caps prompt at the input budget, measured in characters
func (c *Client) truncate(prompt string) string {
	limit := c.maxInputTokens * charsPerToken
	runes := []rune(prompt)
	if len(runes) <= limit {
		return prompt
	}
	c.logger.Debug("prompt truncated", "from", len(runes), "to", limit)
	return string(runes[:limit])
}
