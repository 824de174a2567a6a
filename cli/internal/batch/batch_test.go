package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/internal/artifact"
	"github.com/zhaobenny/haikugate/internal/genclient"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
	"github.com/zhaobenny/haikugate/internal/pricing"
)

func items(n int) []model.SourceItem {
	out := make([]model.SourceItem, n)
	for i := range out {
		out[i] = model.SourceItem{
			ID:     fmt.Sprintf("q%02d", i),
			Text:   map[string]string{"fr": "texte", "en": "text"},
			Author: map[string]string{"fr": "Anonyme", "en": "Anonymous"},
		}
	}
	return out
}

type stored map[string]bool

func (s stored) Has(id, lang string) bool { return s[id+"/"+lang] }

func TestPlanSkipsStored(t *testing.T) {
	src := items(3)
	have := stored{"q00/fr": true, "q01/en": true}

	jobs := Plan(src, have, []string{"fr", "en"}, false, 0)
	var keys []string
	for _, j := range jobs {
		keys = append(keys, j.Source.ID+"/"+j.Language)
	}
	assert.Equal(t, []string{"q00/en", "q01/fr", "q02/fr", "q02/en"}, keys)

	assert.Len(t, Plan(src, have, []string{"fr", "en"}, true, 0), 6)
	assert.Len(t, Plan(src, have, []string{"fr", "en"}, true, 4), 4)
	assert.Empty(t, Plan(src, stored{"q00/fr": true, "q01/fr": true, "q02/fr": true}, []string{"fr"}, false, 0))
}

type fixedEstimator struct{ precise bool }

func (f fixedEstimator) EstimateCost(_ context.Context, _ string, out int) genclient.CostEstimate {
	return genclient.CostEstimate{InputTokens: 100, OutputTokens: out, CostUSD: 0.001, Precise: f.precise}
}

func TestEstimateJobs(t *testing.T) {
	jobs := Plan(items(2), stored{}, []string{"fr", "en"}, false, 0)

	e := EstimateJobs(context.Background(), fixedEstimator{precise: true}, jobs)
	assert.Equal(t, 4, e.Jobs)
	assert.Equal(t, 400, e.InputTokens)
	assert.Equal(t, 4*ExpectedOutputTokens, e.OutputTokens)
	assert.InDelta(t, 0.004, e.CostUSD, 1e-9)
	assert.True(t, e.Precise)

	assert.False(t, EstimateJobs(context.Background(), fixedEstimator{}, jobs).Precise)
	assert.False(t, EstimateJobs(context.Background(), fixedEstimator{precise: true}, nil).Precise)
}

func TestHeuristicEstimate(t *testing.T) {
	h := Heuristic{Pricing: pricing.Table{"m": pricing.PerMillion(1, 5)}, Model: "m"}
	jobs := Plan(items(1), stored{}, []string{"en"}, false, 0)

	e := EstimateJobs(context.Background(), h, jobs)
	prompt := orchestrator.BuildPrompt(jobs[0].Source, "en")
	assert.Equal(t, genclient.EstimatePromptTokens(prompt), e.InputTokens)
	assert.False(t, e.Precise)
	want := float64(e.InputTokens)*1e-6 + float64(ExpectedOutputTokens)*5e-6
	assert.InDelta(t, want, e.CostUSD, 1e-12)
}

// generator writes a distinct haiku per call so the store never dedupes
type generator struct {
	calls atomic.Int32
	fail  bool
}

func (g *generator) GenerateDetailed(ctx context.Context, _ string, _ int, _ float64, modelID string) (*genclient.Generation, error) {
	n := g.calls.Add(1)
	if g.fail {
		return nil, &genclient.Error{Kind: genclient.KindTimeout, Err: errors.New("overloaded")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &genclient.Generation{
		Text:  fmt.Sprintf("line one %d\nline two\nline three", n),
		Model: "claude-3-haiku-20240307",
		Usage: model.UsageMetrics{InputTokens: 40, OutputTokens: 20},
	}, nil
}

func newOrchestrator(t *testing.T, gen *generator) *orchestrator.Orchestrator {
	t.Helper()
	store, err := artifact.Open(filepath.Join(t.TempDir(), "haikus.json"))
	require.NoError(t, err)
	return orchestrator.New(orchestrator.Options{Store: store, Generator: gen, Temperature: -1})
}

func TestRunStopsAtQuota(t *testing.T) {
	gen := &generator{}
	orch := newOrchestrator(t, gen)
	l := ledger.New(ledger.Options{Window: ledger.WindowDaily, Limit: 3})

	var mu sync.Mutex
	var seen int
	sum, err := Run(context.Background(), Options{
		Orchestrator: orch,
		Jobs:         Plan(items(10), stored{}, []string{"fr"}, false, 0),
		Quota:        ledger.Set{{Ledger: l, Subject: "global"}},
		Concurrency:  4,
		OnResult: func(int, Job, *orchestrator.Outcome) {
			mu.Lock()
			seen++
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Generated)
	assert.Equal(t, 3, int(gen.calls.Load()))
	assert.GreaterOrEqual(t, sum.Denied, 1)
	assert.Equal(t, 10, sum.Generated+sum.Failed+sum.Denied+sum.Skipped)
	assert.Equal(t, sum.Generated+sum.Failed+sum.Denied, seen)
	assert.Equal(t, 0, l.Remaining("global"))
}

func TestRunCountsFailuresWithoutDebit(t *testing.T) {
	gen := &generator{fail: true}
	orch := newOrchestrator(t, gen)
	l := ledger.New(ledger.Options{Window: ledger.WindowDaily, Limit: 5})

	sum, err := Run(context.Background(), Options{
		Orchestrator: orch,
		Jobs:         Plan(items(3), stored{}, []string{"fr"}, false, 0),
		Quota:        ledger.Set{{Ledger: l, Subject: "global"}},
	})
	require.NoError(t, err)
	assert.Equal(t, Summary{Failed: 3}, sum)
	assert.Equal(t, 5, l.Remaining("global"))
}

func TestRunPacesStarts(t *testing.T) {
	orch := newOrchestrator(t, &generator{})

	start := time.Now()
	sum, err := Run(context.Background(), Options{
		Orchestrator: orch,
		Jobs:         Plan(items(3), stored{}, []string{"fr"}, false, 0),
		Concurrency:  3,
		Interval:     20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Generated)
	// first start is immediate, the next two wait one interval each
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestRunCancelled(t *testing.T) {
	orch := newOrchestrator(t, &generator{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := Run(ctx, Options{
		Orchestrator: orch,
		Jobs:         Plan(items(4), stored{}, []string{"fr"}, false, 0),
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 4, sum.Skipped)
}
