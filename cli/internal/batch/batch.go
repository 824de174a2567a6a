// Package batch generates artifacts for many source items at once,
// with bounded concurrency and a pacing interval between provider calls.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zhaobenny/haikugate/internal/genclient"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
	"github.com/zhaobenny/haikugate/internal/pricing"
)

// ExpectedOutputTokens is the per-haiku output assumed by cost estimates
const ExpectedOutputTokens = 150

// Job is one (source item, language) pair to generate
type Job struct {
	Source   model.SourceItem
	Language string
}

// Lookup reports whether an artifact is already stored
type Lookup interface {
	Has(sourceID, language string) bool
}

// Plan lists the jobs for items in languages. Unless all is set, pairs
// that already have an artifact are skipped. limit > 0 caps the result.
func Plan(items []model.SourceItem, store Lookup, languages []string, all bool, limit int) []Job {
	var jobs []Job
	for _, item := range items {
		for _, lang := range languages {
			if !all && store.Has(item.ID, lang) {
				continue
			}
			jobs = append(jobs, Job{Source: item, Language: lang})
			if limit > 0 && len(jobs) == limit {
				return jobs
			}
		}
	}
	return jobs
}

// Estimator prices a single prompt
type Estimator interface {
	EstimateCost(ctx context.Context, prompt string, expectedOutputTokens int) genclient.CostEstimate
}

// Estimate is the projected cost of a batch
type Estimate struct {
	Jobs         int     `json:"jobs"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	// Precise is true when every input count came from the provider
	Precise bool `json:"precise"`
}

// EstimateJobs prices every job's prompt
func EstimateJobs(ctx context.Context, est Estimator, jobs []Job) Estimate {
	e := Estimate{Jobs: len(jobs), Precise: len(jobs) > 0}
	for _, j := range jobs {
		c := est.EstimateCost(ctx, orchestrator.BuildPrompt(j.Source, j.Language), ExpectedOutputTokens)
		e.InputTokens += c.InputTokens
		e.OutputTokens += c.OutputTokens
		e.CostUSD += c.CostUSD
		e.Precise = e.Precise && c.Precise
	}
	return e
}

// Heuristic prices prompts offline from their length, for when no
// provider is configured
type Heuristic struct {
	Pricing pricing.Table
	Model   string
}

// EstimateCost implements Estimator
func (h Heuristic) EstimateCost(_ context.Context, prompt string, expectedOutputTokens int) genclient.CostEstimate {
	in := genclient.EstimatePromptTokens(prompt)
	return genclient.CostEstimate{
		InputTokens:  in,
		OutputTokens: expectedOutputTokens,
		CostUSD:      pricing.EstimateCost(h.Pricing, h.Model, int64(in), int64(expectedOutputTokens)),
	}
}

// Obtainer is the orchestrator surface batch generation needs
type Obtainer interface {
	Obtain(ctx context.Context, req orchestrator.Request) *orchestrator.Outcome
}

// Options configures Run
type Options struct {
	Orchestrator Obtainer
	Jobs         []Job
	Quota        ledger.Set
	// Concurrency <= 0 means one job at a time
	Concurrency int
	// Interval is the minimum spacing between job starts
	Interval time.Duration
	// OnResult is called once per finished job, never concurrently
	OnResult func(i int, job Job, out *orchestrator.Outcome)
}

// Summary counts job outcomes
type Summary struct {
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
	Denied    int `json:"denied"`
	// Skipped jobs were never started because the quota ran out or ctx ended
	Skipped int `json:"skipped"`
}

// Run force-generates every job. Scheduling stops at the first quota
// denial; jobs already started are allowed to finish.
func Run(ctx context.Context, opts Options) (Summary, error) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if opts.Interval > 0 {
		pace = rate.NewLimiter(rate.Every(opts.Interval), 1)
	}

	var (
		mu      sync.Mutex
		sum     Summary
		denied  atomic.Bool
		started int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i, job := range opts.Jobs {
		if denied.Load() || gctx.Err() != nil {
			break
		}
		if err := pace.Wait(gctx); err != nil {
			break
		}
		// a denial may have landed while we were waiting
		if denied.Load() {
			break
		}
		started++

		g.Go(func() error {
			out := opts.Orchestrator.Obtain(gctx, orchestrator.Request{
				Source:   job.Source,
				Language: job.Language,
				ForceNew: true,
				Quota:    opts.Quota,
			})

			mu.Lock()
			defer mu.Unlock()
			switch out.State {
			case orchestrator.StateGenerated:
				sum.Generated++
			case orchestrator.StateDenied:
				sum.Denied++
				denied.Store(true)
			default:
				sum.Failed++
			}
			if opts.OnResult != nil {
				opts.OnResult(i, job, out)
			}
			return nil
		})
	}

	g.Wait()
	sum.Skipped = len(opts.Jobs) - started
	return sum, ctx.Err()
}
