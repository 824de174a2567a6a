// Package app wires the core components from a Config. The server and the
// CLI both start from Build.
package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zhaobenny/haikugate/internal/artifact"
	"github.com/zhaobenny/haikugate/internal/catalog"
	"github.com/zhaobenny/haikugate/internal/config"
	"github.com/zhaobenny/haikugate/internal/genclient"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/observability"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
	"github.com/zhaobenny/haikugate/internal/pricing"
)

// GlobalSubject is the daily ledger subject shared by every caller
const GlobalSubject = "global"

// ErrNoAPIKey is returned by NewProvider when no key is configured
var ErrNoAPIKey = errors.New("no upstream API key configured")

// Deps are the collaborators Build does not create itself
type Deps struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
	// Events persists ledger events; nil keeps them in memory
	Events ledger.EventStore
	// Provider overrides the provider built from the config
	Provider genclient.Provider
	// Pricing overrides the config's pricing table
	Pricing pricing.Table
}

// App holds the wired core
type App struct {
	Config       *config.Config
	Catalog      *catalog.Catalog
	Store        *artifact.Store
	Client       *genclient.Client // nil when generation is unavailable
	Orchestrator *orchestrator.Orchestrator

	Session *ledger.Ledger
	Daily   *ledger.Ledger
	PerKey  *ledger.Ledger

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Build loads the catalog and artifact store and wires the quota ledgers,
// generation client and orchestrator. A missing API key is not fatal;
// the app then serves cached and fallback artifacts only.
func Build(cfg *config.Config, deps Deps) (*App, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}

	store, err := artifact.Open(cfg.StorePath,
		artifact.WithLogger(logger),
		artifact.WithMetrics(deps.Metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	a := &App{
		Config:  cfg,
		Catalog: cat,
		Store:   store,
		Logger:  logger,
		Metrics: deps.Metrics,
	}
	a.Session = ledger.New(ledger.Options{
		Window:  ledger.WindowSession,
		Limit:   cfg.Quota.SessionLimit,
		Logger:  logger,
		Metrics: deps.Metrics,
	})
	a.Daily = ledger.New(ledger.Options{
		Window:  ledger.WindowDaily,
		Limit:   cfg.Quota.DailyLimit,
		Store:   deps.Events,
		Logger:  logger,
		Metrics: deps.Metrics,
	})
	a.PerKey = ledger.New(ledger.Options{
		Window:   ledger.WindowPerCaller,
		Limit:    cfg.Quota.PerKeyLimit,
		Duration: cfg.Quota.PerKeyWindow,
		Store:    deps.Events,
		Logger:   logger,
		Metrics:  deps.Metrics,
	})

	provider := deps.Provider
	if provider == nil {
		provider, err = NewProvider(cfg.Provider)
		if err != nil && !errors.Is(err, ErrNoAPIKey) {
			return nil, err
		}
		if err != nil {
			logger.Warn("generation disabled", "error", err)
		}
	}

	prices := deps.Pricing
	if prices == nil {
		prices = cfg.PricingTable()
	}

	var generator orchestrator.Generator
	if provider != nil {
		temp := cfg.Tokens.Temperature
		a.Client, err = genclient.New(genclient.Options{
			Provider:        provider,
			Model:           cfg.Provider.Model,
			MaxAttempts:     cfg.Retry.MaxAttempts,
			InitialBackoff:  cfg.Retry.InitialBackoff,
			MaxBackoff:      cfg.Retry.MaxBackoff,
			Jitter:          cfg.Retry.Jitter,
			MaxInputTokens:  cfg.Tokens.MaxInput,
			MaxOutputTokens: cfg.Tokens.MaxOutput,
			Temperature:     &temp,
			Tier:            cfg.Tokens.Tier,
			Pricing:         prices,
			Logger:          logger,
			Metrics:         deps.Metrics,
		})
		if err != nil {
			return nil, err
		}
		generator = a.Client
	}

	a.Orchestrator = orchestrator.New(orchestrator.Options{
		Store:           store,
		Generator:       generator,
		Model:           cfg.Provider.Model,
		MaxOutputTokens: cfg.Tokens.MaxOutput,
		Temperature:     -1,
		Logger:          logger,
		Metrics:         deps.Metrics,
	})
	return a, nil
}

// NewProvider builds the upstream provider named by p.Kind
func NewProvider(p config.Provider) (genclient.Provider, error) {
	if p.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	switch p.Kind {
	case "anthropic":
		return genclient.NewAnthropicProvider(p.APIKey, p.BaseURL, p.Timeout), nil
	case "openai":
		return genclient.NewOpenAIProvider(p.APIKey, p.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p.Kind)
	}
}

// Subjects identifies the caller for quota purposes. Empty fields skip
// the matching ledger.
type Subjects struct {
	Session string
	APIKey  string
}

// Quota composes the ledgers that apply to s. The global daily cap
// always applies.
func (a *App) Quota(s Subjects) ledger.Set {
	set := ledger.Set{{Ledger: a.Daily, Subject: GlobalSubject}}
	if s.Session != "" {
		set = append(set, ledger.Claim{Ledger: a.Session, Subject: s.Session})
	}
	if s.APIKey != "" {
		set = append(set, ledger.Claim{Ledger: a.PerKey, Subject: s.APIKey})
	}
	return set
}

// Ledger returns the ledger for window
func (a *App) Ledger(window ledger.Window) (*ledger.Ledger, bool) {
	switch window {
	case ledger.WindowSession:
		return a.Session, true
	case ledger.WindowDaily:
		return a.Daily, true
	case ledger.WindowPerCaller:
		return a.PerKey, true
	}
	return nil, false
}
