package genclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type step struct {
	comp Completion
	err  error
}

// scriptedProvider replays steps in order and repeats the last one
type scriptedProvider struct {
	mu        sync.Mutex
	steps     []step
	calls     []Call
	count     int
	countErr  error
	onCall    func(n int)
	countHits int
}

func (p *scriptedProvider) CallModel(_ context.Context, call Call) (Completion, error) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	n := len(p.calls)
	s := p.steps[min(n-1, len(p.steps)-1)]
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return s.comp, s.err
}

func (p *scriptedProvider) CountTokens(_ context.Context, _ []Message, _ string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.countHits++
	return p.count, p.countErr
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

const haiku = "Old donkey wanders\nThrough the silent morning mist\nWisdom in each step"

func newTestClient(t *testing.T, p Provider) *Client {
	t.Helper()
	c, err := New(Options{
		Provider:       p,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestGenerateSuccess(t *testing.T) {
	p := &scriptedProvider{steps: []step{{comp: Completion{Text: haiku, InputTokens: 40, OutputTokens: 20}}}}
	c := newTestClient(t, p)

	_, ok := c.LastUsage()
	assert.False(t, ok)

	g, err := c.GenerateDetailed(context.Background(), "write a haiku", 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, haiku, g.Text)
	assert.Equal(t, 1, g.Attempts)
	assert.Equal(t, DefaultModel, g.Model)

	usage, ok := c.LastUsage()
	require.True(t, ok)
	assert.Equal(t, int64(40), usage.InputTokens)
	assert.Equal(t, int64(20), usage.OutputTokens)
	assert.Greater(t, usage.EstimatedCostUSD, 0.0)

	// defaults flowed into the call
	assert.Equal(t, DefaultMaxOutputTokens, p.calls[0].MaxTokens)
	assert.InDelta(t, DefaultTemperature, p.calls[0].Temperature, 1e-9)
}

func TestGenerateRetriesTransientFailures(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{err: &StatusError{StatusCode: 529, Type: "overloaded_error"}},
		{err: &StatusError{StatusCode: 503}},
		{comp: Completion{Text: haiku, InputTokens: 1, OutputTokens: 1}},
	}}
	c := newTestClient(t, p)

	g, err := c.GenerateDetailed(context.Background(), "p", 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, 3, g.Attempts)
}

func TestGenerateGivesUpAfterMaxAttempts(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: &StatusError{StatusCode: 500}}}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "p", 0, -1, "")
	require.Error(t, err)

	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindUnknown, ge.Kind)
	assert.Equal(t, DefaultMaxAttempts, p.Calls())
}

// waitRecorder keeps the backoff attribute of every retry log record
type waitRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *waitRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *waitRecorder) Handle(_ context.Context, rec slog.Record) error {
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "backoff" {
			r.mu.Lock()
			r.waits = append(r.waits, a.Value.Duration())
			r.mu.Unlock()
		}
		return true
	})
	return nil
}

func (r *waitRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *waitRecorder) WithGroup(string) slog.Handler      { return r }

func TestBackoffScheduleDoublesUpToCap(t *testing.T) {
	c, err := New(Options{Provider: &scriptedProvider{steps: []step{{}}}})
	require.NoError(t, err)

	b := c.newBackOff()
	b.Reset()
	var got []time.Duration
	for range 5 {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}, got)
}

func TestRetryWaitsFollowSchedule(t *testing.T) {
	rec := &waitRecorder{}
	p := &scriptedProvider{steps: []step{{err: &StatusError{StatusCode: 503}}}}
	c, err := New(Options{
		Provider:       p,
		MaxAttempts:    6,
		InitialBackoff: 2 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Logger:         slog.New(rec),
	})
	require.NoError(t, err)

	_, err = c.Generate(context.Background(), "p", 0, -1, "")
	require.Error(t, err)
	assert.Equal(t, 6, p.Calls())

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{2 * ms, 4 * ms, 8 * ms, 10 * ms, 10 * ms}, rec.waits)
}

func TestQuotaExhaustedIsNeverRetried(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: &StatusError{StatusCode: 429, Type: "rate_limit_error"}}}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "p", 0, -1, "")
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindQuotaExhausted, ge.Kind)
	assert.Equal(t, 1, p.Calls())
	assert.NotEmpty(t, ge.Message())
}

func TestUnauthorizedIsNotRetried(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: &StatusError{StatusCode: 401}}}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "p", 0, -1, "")
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindUnauthorized, ge.Kind)
	assert.Equal(t, 1, p.Calls())
}

func TestBlankCompletionIsMalformed(t *testing.T) {
	p := &scriptedProvider{steps: []step{{comp: Completion{Text: "   \n"}}}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "p", 0, -1, "")
	var ge *Error
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, KindMalformed, ge.Kind)
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{
		steps:  []step{{err: &StatusError{StatusCode: 503}}},
		onCall: func(int) { cancel() },
	}
	c, err := New(Options{Provider: p, InitialBackoff: time.Hour, MaxBackoff: time.Hour})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Generate(ctx, "p", 0, -1, "")
		done <- err
	}()

	select {
	case err := <-done:
		var ge *Error
		require.ErrorAs(t, err, &ge)
		assert.Equal(t, KindTimeout, ge.Kind)
		assert.False(t, ge.Retryable)
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return after cancellation")
	}
	assert.Equal(t, 1, p.Calls())
}

func TestLastUsageIsOverwrittenNotAccumulated(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{comp: Completion{Text: haiku, InputTokens: 100, OutputTokens: 50}},
		{comp: Completion{Text: haiku, InputTokens: 7, OutputTokens: 3}},
	}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "a", 0, -1, "")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "b", 0, -1, "")
	require.NoError(t, err)

	usage, ok := c.LastUsage()
	require.True(t, ok)
	assert.Equal(t, int64(7), usage.InputTokens)
	assert.Equal(t, int64(3), usage.OutputTokens)
}

func TestLastUsageReflectsOnlySucceedingAttempt(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{err: &StatusError{StatusCode: 502}},
		{comp: Completion{Text: haiku, InputTokens: 9, OutputTokens: 4}},
	}}
	c := newTestClient(t, p)

	_, err := c.Generate(context.Background(), "a", 0, -1, "")
	require.NoError(t, err)
	usage, _ := c.LastUsage()
	assert.Equal(t, int64(9), usage.InputTokens)
}

func TestGenerateRepairsLineStructure(t *testing.T) {
	p := &scriptedProvider{steps: []step{{comp: Completion{Text: "one two three four five six seven eight nine ten eleven twelve"}}}}
	c := newTestClient(t, p)

	text, err := c.Generate(context.Background(), "p", 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, "one two three four\nfive six seven eight\nnine ten eleven twelve", text)
}

func TestPromptIsTruncatedToInputBudget(t *testing.T) {
	p := &scriptedProvider{steps: []step{{comp: Completion{Text: haiku}}}}
	c, err := New(Options{Provider: p, MaxInputTokens: 5})
	require.NoError(t, err)

	long := "abcdefghijklmnopqrstuvwxyz"
	_, err = c.Generate(context.Background(), long, 0, -1, "")
	require.NoError(t, err)
	assert.Equal(t, long[:20], p.calls[0].Prompt)
}

func TestCountTokensTierLimiter(t *testing.T) {
	p := &scriptedProvider{count: 12}
	c, err := New(Options{Provider: p, Tier: 1})
	require.NoError(t, err)

	msgs := []Message{{Role: "user", Content: "hello"}}
	for i := range tierCapacity[1] {
		n, status := c.CountTokens(context.Background(), msgs)
		require.Equal(t, TokenCountOK, status, "call %d", i)
		require.Equal(t, 12, n)
	}

	_, status := c.CountTokens(context.Background(), msgs)
	assert.Equal(t, TokenCountRateLimited, status)
	assert.Equal(t, tierCapacity[1], p.countHits)
}

func TestCountTokensError(t *testing.T) {
	p := &scriptedProvider{countErr: &StatusError{StatusCode: 500}}
	c := newTestClient(t, p)

	_, status := c.CountTokens(context.Background(), nil)
	assert.Equal(t, TokenCountError, status)

	p.countErr = &StatusError{StatusCode: 429}
	_, status = c.CountTokens(context.Background(), nil)
	assert.Equal(t, TokenCountRateLimited, status)
}

func TestEstimateCostFallsBackToHeuristic(t *testing.T) {
	p := &scriptedProvider{countErr: errors.New("boom")}
	c := newTestClient(t, p)

	est := c.EstimateCost(context.Background(), "12345678", 150)
	assert.False(t, est.Precise)
	assert.Equal(t, 2+promptOverheadTokens, est.InputTokens)
	assert.Equal(t, 150, est.OutputTokens)
	assert.Greater(t, est.CostUSD, 0.0)

	p.countErr = nil
	p.count = 30
	est = c.EstimateCost(context.Background(), "12345678", 0)
	assert.True(t, est.Precise)
	assert.Equal(t, 30, est.InputTokens)
	assert.Equal(t, DefaultMaxOutputTokens, est.OutputTokens)
}

func TestNewRequiresProvider(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}
