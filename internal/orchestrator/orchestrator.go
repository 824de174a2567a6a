// Package orchestrator decides, per request, whether to serve a stored
// artifact, generate a new one under quota, or fall back to a static one.
package orchestrator

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/zhaobenny/haikugate/internal/genclient"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/model"
	"github.com/zhaobenny/haikugate/internal/observability"
)

var tracer = observability.Tracer("orchestrator")

// State is the final state of one request
type State string

const (
	StateServed           State = "served"
	StateGenerated        State = "generated"
	StateFallback         State = "fallback"
	StateDenied           State = "denied"
	StateGenerationFailed State = "generation_failed"
)

// Generator produces new artifact text
type Generator interface {
	GenerateDetailed(ctx context.Context, prompt string, maxOutputTokens int, temperature float64, modelID string) (*genclient.Generation, error)
}

// ArtifactStore is the persistence the orchestrator reads and appends to
type ArtifactStore interface {
	GetWithMetadata(sourceID, language string) (model.ArtifactRecord, bool)
	AddAt(sourceID, language, text, modelID string, at time.Time) (bool, error)
}

// Request asks for an artifact for one source item
type Request struct {
	Source   model.SourceItem
	Language string
	ForceNew bool
	// Quota is charged only when ForceNew is set
	Quota ledger.Set
}

// Outcome is the result of Obtain
type Outcome struct {
	State    State
	Result   model.Result
	Decision ledger.Decision
	// Usage is set for generated artifacts
	Usage *model.UsageMetrics
	// Err is the classified upstream failure for StateGenerationFailed
	Err *genclient.Error
	// StorageErr is set when a generated artifact could not be persisted
	StorageErr error
	// Degraded marks a cached or fallback artifact served after a failed generation
	Degraded bool
}

// Options configures an Orchestrator
type Options struct {
	Store           ArtifactStore
	Generator       Generator // nil disables generation
	Model           string
	MaxOutputTokens int
	Temperature     float64 // negative selects the generator default
	Intn            func(n int) int
	Now             func() time.Time
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

// Orchestrator is safe for concurrent use
type Orchestrator struct {
	store     ArtifactStore
	generator Generator
	model     string
	maxOutput int
	temp      float64
	intn      func(n int) int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// New creates an Orchestrator
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     opts.Store,
		generator: opts.Generator,
		model:     opts.Model,
		maxOutput: opts.MaxOutputTokens,
		temp:      opts.Temperature,
		intn:      opts.Intn,
		now:       opts.Now,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
	if o.intn == nil {
		o.intn = rand.IntN
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// CanGenerate reports whether a generator is configured
func (o *Orchestrator) CanGenerate() bool { return o.generator != nil }

// Obtain runs the request state machine. It never returns a nil outcome.
//
// With ForceNew the quota is reserved before any upstream call; a denial
// makes no call. A successful generation commits the reservation and is
// persisted; a failure or cancellation releases it without a debit.
// Without ForceNew a stored artifact is served, else a static fallback,
// and no quota is consumed.
func (o *Orchestrator) Obtain(ctx context.Context, req Request) *Outcome {
	lang := NormalizeLanguage(req.Language)

	ctx, span := tracer.Start(ctx, "orchestrator.Obtain")
	defer span.End()
	span.SetAttributes(
		attribute.String("source_id", req.Source.ID),
		attribute.String("language", lang),
		attribute.Bool("force_new", req.ForceNew),
	)

	var out *Outcome
	if req.ForceNew {
		out = o.generate(ctx, req.Source, lang, req.Quota)
	} else {
		out = o.serve(req.Source.ID, lang)
	}

	span.SetAttributes(attribute.String("state", string(out.State)))
	o.metrics.Obtain(string(out.State))
	return out
}

// ObtainOrDegrade is Obtain, except that a failed generation is answered
// with a stored artifact or a fallback marked Degraded. Err still carries
// the failure. Denials are returned unchanged.
func (o *Orchestrator) ObtainOrDegrade(ctx context.Context, req Request) *Outcome {
	out := o.Obtain(ctx, req)
	if out.State != StateGenerationFailed {
		return out
	}

	degraded := o.serve(req.Source.ID, NormalizeLanguage(req.Language))
	degraded.Decision = out.Decision
	degraded.Err = out.Err
	degraded.Degraded = true
	o.logger.Info("serving degraded artifact",
		"source_id", req.Source.ID,
		"provenance", degraded.Result.Provenance,
		"kind", out.Err.Kind,
	)
	return degraded
}

func (o *Orchestrator) serve(sourceID, lang string) *Outcome {
	if rec, ok := o.store.GetWithMetadata(sourceID, lang); ok {
		res := model.Result{
			SourceID:   sourceID,
			Text:       rec.Text,
			Language:   lang,
			Model:      rec.Model,
			Author:     AuthorFor(rec.Model, lang),
			Provenance: model.ProvenanceCache,
		}
		if !rec.GeneratedAt.IsZero() {
			at := rec.GeneratedAt
			res.GeneratedAt = &at
		}
		return &Outcome{State: StateServed, Result: res}
	}
	return o.fallback(sourceID, lang)
}

func (o *Orchestrator) fallback(sourceID, lang string) *Outcome {
	pool := FallbackPool(lang)
	return &Outcome{
		State: StateFallback,
		Result: model.Result{
			SourceID:   sourceID,
			Text:       pool[o.intn(len(pool))],
			Language:   lang,
			Model:      model.ModelFallback,
			Author:     AuthorFor(model.ModelUnknown, lang),
			Provenance: model.ProvenanceFallback,
		},
	}
}

func (o *Orchestrator) generate(ctx context.Context, source model.SourceItem, lang string, quota ledger.Set) *Outcome {
	hold, decision := quota.Reserve()
	if !decision.Allowed {
		o.logger.Info("generation denied by quota",
			"source_id", source.ID,
			"window", decision.Window,
			"reset_at", decision.ResetAt,
		)
		return &Outcome{State: StateDenied, Decision: decision}
	}

	if o.generator == nil {
		hold.Release()
		return &Outcome{
			State:    StateGenerationFailed,
			Decision: decision,
			Err:      &genclient.Error{Kind: genclient.KindUnauthorized, Err: errNoGenerator},
		}
	}

	gen, err := o.generator.GenerateDetailed(ctx, BuildPrompt(source, lang), o.maxOutput, o.temp, o.model)
	if err != nil {
		hold.Release()
		return &Outcome{State: StateGenerationFailed, Decision: decision, Err: genclient.Classify(err)}
	}
	hold.Commit()

	at := o.now().UTC()
	out := &Outcome{State: StateGenerated, Decision: decision, Usage: &gen.Usage}
	if _, err := o.store.AddAt(source.ID, lang, gen.Text, gen.Model, at); err != nil {
		// Served anyway; it just may not be cached
		out.StorageErr = err
		o.logger.Warn("generated artifact not persisted", "source_id", source.ID, "error", err)
	}

	out.Result = model.Result{
		SourceID:     source.ID,
		Text:         gen.Text,
		Language:     lang,
		Model:        gen.Model,
		Author:       AuthorFor(gen.Model, lang),
		WasGenerated: true,
		GeneratedAt:  &at,
		Provenance:   model.ProvenanceGenerated,
	}
	return out
}
