package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/registry"
)

type fixedStats map[string]Stats

func (f fixedStats) CapabilityStats(id string) (Stats, bool) {
	s, ok := f[id]
	return s, ok
}

func defaultSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	snap, err := registry.Build(cat)
	require.NoError(t, err)
	return snap
}

func candidate(t *testing.T, snap *registry.Snapshot, id string, relevance float64) planner.Candidate {
	t.Helper()
	c, ok := snap.Capability(id)
	require.True(t, ok, id)
	return planner.Candidate{Capability: c, Relevance: relevance}
}

func newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(config.DefaultWeights(), opts...)
	require.NoError(t, err)
	return e
}

func TestDecideScoresSurvivors(t *testing.T) {
	snap := defaultSnapshot(t)
	e := newEngine(t)
	mi := intent.MatchedIntent{IntentID: "knowledge.search", Confidence: 0.8}

	d := e.Decide(snap, mi, []NodeCandidates{{
		Node:       planner.TaskNode{ID: "main", Requires: []string{"retrieval"}},
		Candidates: []planner.Candidate{candidate(t, snap, "search-agent", 1.0)},
	}})
	require.False(t, d.FallbackUsed)
	require.Len(t, d.Choices, 1)
	c := d.Choices[0]
	assert.Equal(t, "search-agent", c.CapabilityID)
	assert.InDelta(t, 1.0, c.Breakdown.CapabilityMatch, 1e-9)
	assert.InDelta(t, 0.96, c.Breakdown.CostScore, 1e-9)
	assert.InDelta(t, 0.92, c.Breakdown.LatencyScore, 1e-9)
	assert.InDelta(t, 0.5, c.Breakdown.SuccessHistory, 1e-9)
	assert.InDelta(t, 0.83, c.Score, 1e-9)
	assert.InDelta(t, 0.83, d.Score, 1e-9)
	assert.True(t, d.NeedsAgent)
	assert.Equal(t, map[string]string{"main": "search-agent"}, d.Bindings())
}

func TestDecideCheaperFasterCandidateWins(t *testing.T) {
	snap := defaultSnapshot(t)
	e := newEngine(t)
	d := e.Decide(snap, intent.MatchedIntent{IntentID: "knowledge.search", Confidence: 0.9}, []NodeCandidates{{
		Node: planner.TaskNode{ID: "main", Requires: []string{"retrieval"}},
		Candidates: []planner.Candidate{
			candidate(t, snap, "search-agent", 0.5),
			candidate(t, snap, "vector-search", 0.5),
		},
	}})
	require.Len(t, d.Choices, 1)
	assert.Equal(t, "vector-search", d.Choices[0].CapabilityID)
}

func TestDecideStatsShiftChoice(t *testing.T) {
	snap := defaultSnapshot(t)
	stats := fixedStats{
		"search-agent":  {Samples: 50, SuccessHistory: 1, Stability: 1},
		"vector-search": {Samples: 50, SuccessHistory: 0, Stability: 0},
	}
	e := newEngine(t, WithStats(stats))
	d := e.Decide(snap, intent.MatchedIntent{IntentID: "knowledge.search", Confidence: 0.9}, []NodeCandidates{{
		Node: planner.TaskNode{ID: "main", Requires: []string{"retrieval"}},
		Candidates: []planner.Candidate{
			candidate(t, snap, "search-agent", 0.5),
			candidate(t, snap, "vector-search", 0.5),
		},
	}})
	require.Len(t, d.Choices, 1)
	assert.Equal(t, "search-agent", d.Choices[0].CapabilityID)
}

func TestDecideRuleFilter(t *testing.T) {
	snap := defaultSnapshot(t)
	e := newEngine(t)
	mi := intent.MatchedIntent{IntentID: "analysis.competitive", Confidence: 0.9}
	node := planner.TaskNode{ID: "sales_figures", Requires: []string{"sales_analytics"}}

	d := e.Decide(snap, mi, []NodeCandidates{{
		Node: node,
		Candidates: []planner.Candidate{
			candidate(t, snap, "db-admin", 0.9),        // risk high over the medium ceiling
			candidate(t, snap, "report-writer", 0.8),   // does not declare sales_analytics
			candidate(t, snap, "sales-analytics", 0.4), // survives
		},
	}})
	require.Len(t, d.Choices, 1)
	assert.Equal(t, "sales-analytics", d.Choices[0].CapabilityID)
	assert.Contains(t, d.Choices[0].Eliminated, "db-admin")
	assert.Contains(t, d.Choices[0].Eliminated, "report-writer")

	cheap := newEngine(t, WithMaxCost(0.005))
	d = cheap.Decide(snap, mi, []NodeCandidates{{
		Node:       node,
		Candidates: []planner.Candidate{candidate(t, snap, "sales-analytics", 0.4)},
	}})
	assert.True(t, IsSafeFallback(snap, d))
	assert.Equal(t, ReasonNoSurvivors, d.FallbackReason)
}

func TestDecideSafeFallback(t *testing.T) {
	snap := defaultSnapshot(t)
	e := newEngine(t)
	nodes := []NodeCandidates{{
		Node:       planner.TaskNode{ID: "main", Requires: []string{"retrieval"}},
		Candidates: []planner.Candidate{candidate(t, snap, "vector-search", 1)},
	}}

	tests := []struct {
		name   string
		mi     intent.MatchedIntent
		nodes  []NodeCandidates
		reason string
	}{
		{"low confidence", intent.MatchedIntent{IntentID: "knowledge.search", Confidence: 0.59}, nodes, ReasonLowConfidence},
		{"zero confidence", intent.MatchedIntent{IntentID: "knowledge.search"}, nodes, ReasonLowConfidence},
		{"fallback intent", intent.MatchedIntent{IntentID: "fallback.unclassified", Confidence: 0.9, FallbackUsed: true}, nodes, ReasonFallbackIntent},
		{"no nodes", intent.MatchedIntent{IntentID: "knowledge.search", Confidence: 0.9}, nil, ReasonEmptyPlan},
		{"unknown intent", intent.MatchedIntent{IntentID: "nope", Confidence: 0.9}, nodes, ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(snap, tt.mi, tt.nodes)
			assert.True(t, IsSafeFallback(snap, d))
			assert.Equal(t, tt.reason, d.FallbackReason)
			assert.Equal(t, "chat-lite", d.Model)
			assert.Empty(t, d.Choices)
			assert.False(t, d.NeedsAgent)
		})
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	cat := registry.Catalog{
		Version:        "tie",
		FallbackIntent: "fb",
		Intents: []registry.Intent{
			{ID: "fb", Version: "1", Domain: "g", RiskCeiling: registry.RiskLow, Fallback: true},
			{ID: "work", Version: "1", Domain: "g", RequiredCapabilities: []string{"x"}, RiskCeiling: registry.RiskLow},
		},
		Capabilities: []registry.Capability{
			{ID: "beta", Version: "1", Kind: registry.KindTool, Owner: "o", Tags: []string{"x"}, Cost: 0.01, RiskClass: registry.RiskLow},
			{ID: "alpha", Version: "1", Kind: registry.KindTool, Owner: "o", Tags: []string{"x"}, Cost: 0.01, RiskClass: registry.RiskLow},
			{ID: "gamma", Version: "1", Kind: registry.KindTool, Owner: "o", Tags: []string{"x"}, Cost: 0.02, RiskClass: registry.RiskLow},
		},
	}
	snap, err := registry.Build(cat)
	require.NoError(t, err)
	mi := intent.MatchedIntent{IntentID: "work", Confidence: 1}
	node := planner.TaskNode{ID: "main", Requires: []string{"x"}}

	// identical scores: lower cost first, then smaller id
	e := newEngine(t)
	orders := [][]string{{"beta", "alpha"}, {"alpha", "beta"}}
	for _, order := range orders {
		var cands []planner.Candidate
		for _, id := range order {
			cands = append(cands, candidate(t, snap, id, 1))
		}
		for i := 0; i < 10; i++ {
			d := e.Decide(snap, mi, []NodeCandidates{{Node: node, Candidates: cands}})
			require.Len(t, d.Choices, 1)
			assert.Equal(t, "alpha", d.Choices[0].CapabilityID)
		}
	}

	// with only capability match weighted, cost breaks the tie
	matchOnly, err := New(config.Weights{CapabilityMatch: 1})
	require.NoError(t, err)
	d := matchOnly.Decide(snap, mi, []NodeCandidates{{Node: node, Candidates: []planner.Candidate{
		candidate(t, snap, "gamma", 1),
		candidate(t, snap, "beta", 1),
	}}})
	require.Len(t, d.Choices, 1)
	assert.Equal(t, "beta", d.Choices[0].CapabilityID)
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(config.Weights{})
	assert.Error(t, err)
	_, err = New(config.Weights{CapabilityMatch: -1, Cost: 2})
	assert.Error(t, err)
}

func TestFromPlan(t *testing.T) {
	assert.Nil(t, FromPlan(nil))
	plan := &planner.Plan{
		DAG:        &planner.TaskDAG{Nodes: []planner.TaskNode{{ID: "a"}, {ID: "b"}}},
		Candidates: planner.NewCandidateSet([]planner.Candidate{{Capability: registry.Capability{ID: "c"}}}),
	}
	nodes := FromPlan(plan)
	require.Len(t, nodes, 2)
	assert.Equal(t, "b", nodes[1].Node.ID)
	assert.Len(t, nodes[1].Candidates, 1)
}

func TestBetterTreatsNearEqualScoresAsTied(t *testing.T) {
	cheap := Scored{CapabilityID: "b", Cost: 0.01, Score: 0.5}
	pricey := Scored{CapabilityID: "a", Cost: 0.02, Score: 0.5 + scoreEpsilon/2}
	assert.True(t, better(cheap, pricey), "lower cost wins within epsilon")
	assert.False(t, better(pricey, cheap))

	ahead := Scored{CapabilityID: "a", Cost: 0.02, Score: 0.5 + 10*scoreEpsilon}
	assert.True(t, better(ahead, cheap), "higher score wins outside epsilon")

	same := Scored{CapabilityID: "a", Cost: 0.01, Score: 0.5}
	assert.True(t, better(same, cheap), "id breaks a cost tie")
}
