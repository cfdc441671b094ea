package intent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/semantic"
)

func defaultSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	snap, err := registry.Build(cat)
	require.NoError(t, err)
	return snap
}

func understand(t *testing.T, query string) semantic.Understanding {
	t.Helper()
	h, err := semantic.NewHeuristicClassifier(nil)
	require.NoError(t, err)
	u, err := h.Classify(context.Background(), semantic.Input{Query: query})
	require.NoError(t, err)
	return u
}

func TestMatchDestructiveRequest(t *testing.T) {
	m := NewMatcher(0)
	got := m.Match(defaultSnapshot(t), understand(t, "delete all records in production"))

	assert.Equal(t, "data.delete", got.IntentID)
	assert.False(t, got.FallbackUsed)
	assert.InDelta(t, 0.85, got.Score, 1e-9)
	assert.InDelta(t, 0.873, got.Confidence, 1e-9)
}

func TestMatchCompositeRequest(t *testing.T) {
	m := NewMatcher(0)
	got := m.Match(defaultSnapshot(t), understand(t, "compare our sales with competitors in the market and write a report"))

	assert.Equal(t, "analysis.competitive", got.IntentID)
	assert.GreaterOrEqual(t, got.Confidence, 0.6)
	require.NotEmpty(t, got.Alternates)
	assert.Equal(t, "report.summarize", got.Alternates[0].IntentID)
	assert.InDelta(t, 0.28, got.Alternates[0].Score, 1e-9)
}

func TestMatchGreetingFallsBack(t *testing.T) {
	m := NewMatcher(0)
	snap := defaultSnapshot(t)
	got := m.Match(snap, understand(t, "hi"))

	assert.Equal(t, snap.FallbackIntent().ID, got.IntentID)
	assert.True(t, got.FallbackUsed)
	assert.Less(t, got.Confidence, 0.6)
}

func TestMatchZeroUnderstandingFallsBack(t *testing.T) {
	m := NewMatcher(0)
	got := m.Match(defaultSnapshot(t), semantic.Zero())
	assert.True(t, got.FallbackUsed)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestMatchIsIdempotent(t *testing.T) {
	m := NewMatcher(0)
	snap := defaultSnapshot(t)
	queries := []string{
		"summarize the quarterly reports",
		"search the handbook for the travel policy",
		"open a ticket for the login incident",
		"review the pull request",
		"hi",
	}
	for _, q := range queries {
		first := m.Match(snap, understand(t, q))
		second := m.Match(snap, understand(t, q))
		assert.Equal(t, first, second, q)
	}
}

func TestMatchTieBreaksByIntentID(t *testing.T) {
	cat := registry.Catalog{
		Version:        "t",
		FallbackIntent: "z.fallback",
		Intents: []registry.Intent{
			{ID: "z.fallback", Version: "1", Domain: "g", RiskCeiling: registry.RiskLow, Fallback: true},
			{ID: "b.second", Version: "1", Domain: "g", Keywords: []string{"search"}, RiskCeiling: registry.RiskLow},
			{ID: "a.first", Version: "1", Domain: "g", Keywords: []string{"search"}, RiskCeiling: registry.RiskLow},
		},
	}
	snap, err := registry.Build(cat)
	require.NoError(t, err)

	su := semantic.Understanding{ActionSignals: []string{"search"}, Confidence: 0.9}
	for i := 0; i < 10; i++ {
		got := NewMatcher(0).Match(snap, su)
		assert.Equal(t, "a.first", got.IntentID)
	}
}

func TestMatchThresholdIsConfigurable(t *testing.T) {
	snap := defaultSnapshot(t)
	su := understand(t, "compare our sales with competitors in the market and write a report")
	got := NewMatcher(0.9).Match(snap, su)
	assert.True(t, got.FallbackUsed)
	assert.Equal(t, "analysis.competitive", got.Alternates[0].IntentID)
}
