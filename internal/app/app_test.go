package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaobenny/haikugate/internal/config"
	"github.com/zhaobenny/haikugate/internal/genclient"
	"github.com/zhaobenny/haikugate/internal/ledger"
	"github.com/zhaobenny/haikugate/internal/orchestrator"
)

type stubProvider struct{}

func (stubProvider) CallModel(context.Context, genclient.Call) (genclient.Completion, error) {
	return genclient.Completion{Text: "Old donkey wanders\nThrough the silent morning mist\nWisdom in each step", InputTokens: 10, OutputTokens: 10}, nil
}

func (stubProvider) CountTokens(context.Context, []genclient.Message, string) (int, error) {
	return 10, nil
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.StorePath = filepath.Join(t.TempDir(), "haikus.json")
	cfg.Provider.APIKey = ""
	cfg.Quota.DailyLimit = 2
	return cfg
}

func TestBuildWithoutKeyServesFallback(t *testing.T) {
	a, err := Build(testConfig(t), Deps{})
	require.NoError(t, err)
	assert.Nil(t, a.Client)
	assert.False(t, a.Orchestrator.CanGenerate())
	assert.Equal(t, 51, a.Catalog.Len())

	item, ok := a.Catalog.Get(a.Catalog.IDs()[0])
	require.True(t, ok)
	out := a.Orchestrator.Obtain(context.Background(), orchestrator.Request{Source: item, Language: "en"})
	assert.Equal(t, orchestrator.StateFallback, out.State)
}

func TestBuildGeneratesUnderComposedQuota(t *testing.T) {
	a, err := Build(testConfig(t), Deps{Provider: stubProvider{}})
	require.NoError(t, err)
	require.NotNil(t, a.Client)

	item, _ := a.Catalog.Get(a.Catalog.IDs()[0])
	req := orchestrator.Request{Source: item, Language: "fr", ForceNew: true, Quota: a.Quota(Subjects{Session: "s1", APIKey: "k1"})}

	for range 2 {
		assert.Equal(t, orchestrator.StateGenerated, a.Orchestrator.Obtain(context.Background(), req).State)
	}
	out := a.Orchestrator.Obtain(context.Background(), req)
	assert.Equal(t, orchestrator.StateDenied, out.State)
	assert.Equal(t, ledger.WindowDaily, out.Decision.Window)

	assert.Equal(t, 3, a.Session.Remaining("s1"))
	assert.Equal(t, 3, a.PerKey.Remaining("k1"))
	assert.Equal(t, 1, a.Store.Count(item.ID, "fr"))
}

func TestBuildWiresRetryPolicy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retry.MaxAttempts = 4
	cfg.Retry.InitialBackoff = time.Second
	cfg.Retry.MaxBackoff = 6 * time.Second
	cfg.Retry.Jitter = 0.2

	a, err := Build(cfg, Deps{Provider: stubProvider{}})
	require.NoError(t, err)
	assert.Equal(t, genclient.RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     6 * time.Second,
		Jitter:         0.2,
	}, a.Client.RetryPolicy())
}

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(config.Provider{Kind: "anthropic"})
	assert.ErrorIs(t, err, ErrNoAPIKey)

	p, err := NewProvider(config.Provider{Kind: "openai", APIKey: "sk"})
	require.NoError(t, err)
	assert.IsType(t, &genclient.OpenAIProvider{}, p)

	_, err = NewProvider(config.Provider{Kind: "bard", APIKey: "sk"})
	assert.Error(t, err)
}

func TestLedgerLookup(t *testing.T) {
	a, err := Build(testConfig(t), Deps{})
	require.NoError(t, err)

	l, ok := a.Ledger(ledger.WindowPerCaller)
	require.True(t, ok)
	assert.Same(t, a.PerKey, l)

	_, ok = a.Ledger("weekly")
	assert.False(t, ok)
}
