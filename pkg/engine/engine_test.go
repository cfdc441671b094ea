package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/decision"
	"github.com/zen-systems/routecore/pkg/memory"
	"github.com/zen-systems/routecore/pkg/metrics"
	"github.com/zen-systems/routecore/pkg/orchestrator"
	"github.com/zen-systems/routecore/pkg/policy"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
)

const (
	destructiveQuery = "delete all records in production"
	compositeQuery   = "compare our sales with competitors in the market and write a report"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.EngineConfig {
	cfg := config.DefaultEngineConfig()
	cfg.Retry.BaseBackoffMs = 1
	cfg.Retry.MaxBackoffMs = 2
	cfg.NodeTimeout = 3 * time.Second
	return cfg
}

func newEngine(t *testing.T, cfg *config.EngineConfig, opts ...Option) *Engine {
	t.Helper()
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	reg, err := registry.New(cat)
	require.NoError(t, err)
	if cfg == nil {
		cfg = testConfig()
	}
	e, err := New(reg, cfg, append([]Option{WithLogger(quietLogger())}, opts...)...)
	require.NoError(t, err)
	return e
}

// assertPolicyCoverage checks every executed node holds exactly one valid
// policy result.
func assertPolicyCoverage(t *testing.T, res Result) {
	t.Helper()
	if res.Outcome == nil {
		return
	}
	for _, n := range res.Outcome.Nodes {
		if n.Status != orchestrator.StatusSucceeded && n.Status != orchestrator.StatusFailed {
			continue
		}
		valid := 0
		for _, p := range res.Policy {
			if p.NodeID == n.NodeID && p.Valid {
				valid++
			}
		}
		assert.Equal(t, 1, valid, "node %s reached execution with %d valid policy results", n.NodeID, valid)
	}
}

type staticRetriever struct {
	hits  []retrieval.Hit
	err   error
	panic bool
}

func (s staticRetriever) Retrieve(context.Context, string, int, retrieval.Namespace) ([]retrieval.Hit, error) {
	if s.panic {
		panic("retriever exploded")
	}
	return s.hits, s.err
}

func TestSubmit_DestructiveRequestIsBlocked(t *testing.T) {
	e := newEngine(t, nil)
	res := e.Submit(context.Background(), Request{Query: destructiveQuery})

	assert.Equal(t, "data.delete", res.MatchedIntent.IntentID)
	assert.Equal(t, registry.RiskHigh, res.RiskLevel)
	assert.True(t, res.Blocked)
	assert.Nil(t, res.Outcome, "a blocked request never executes")
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []State{StatePending, StateRouted, StateCompleted}, res.Transitions)

	require.NotEmpty(t, res.Policy)
	assert.False(t, res.Policy[0].Valid)
	var rules []string
	for _, v := range res.Violations {
		rules = append(rules, v.Rule)
	}
	assert.Contains(t, rules, policy.RuleElevatedApproval)
}

func TestSubmit_DestructiveRequestWithElevatedApprovalExecutes(t *testing.T) {
	e := newEngine(t, nil)
	res := e.Submit(context.Background(), Request{
		Query:       destructiveQuery,
		Constraints: map[string]string{"approval": "elevated"},
	})

	assert.False(t, res.Blocked)
	assert.Equal(t, registry.RiskHigh, res.RiskLevel)
	require.NotNil(t, res.Outcome)
	assert.True(t, res.Outcome.Success)
	assert.Equal(t, "db-admin", res.Outcome.Nodes[0].CapabilityID)
	assert.Equal(t, []State{StatePending, StateRouted, StatePolicyChecked, StateExecuting, StateCompleted}, res.Transitions)
	assertPolicyCoverage(t, res)
}

func TestSubmit_GreetingTakesSafeFallback(t *testing.T) {
	e := newEngine(t, nil)
	res := e.Submit(context.Background(), Request{Query: "hi"})

	assert.Empty(t, res.Understanding.ActionSignals)
	assert.True(t, res.MatchedIntent.FallbackUsed)
	assert.False(t, res.NeedsAgent)
	assert.Equal(t, "chat-lite", res.Model, "lowest-cost model")
	assert.True(t, decision.IsSafeFallback(e.Registry().Current(), res.DecisionResult))
	assert.Nil(t, res.Plan)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, []State{StatePending, StateCompleted}, res.Transitions)
}

func TestSubmit_CompositeRequestRunsBranchesConcurrently(t *testing.T) {
	var arrivals atomic.Int32
	bothStarted := make(chan struct{})
	leaf := func(output string) orchestrator.Capability {
		return orchestrator.FuncCapability(func(ctx context.Context, _ map[string]string) (orchestrator.Invocation, error) {
			if arrivals.Add(1) == 2 {
				close(bothStarted)
			}
			select {
			case <-bothStarted:
				return orchestrator.Invocation{Success: true, Output: output}, nil
			case <-time.After(2 * time.Second):
				return orchestrator.Invocation{}, errors.Join(orchestrator.ErrPermanent, errors.New("sibling branch never started"))
			case <-ctx.Done():
				return orchestrator.Invocation{}, ctx.Err()
			}
		})
	}

	var (
		mu           sync.Mutex
		reportInputs map[string]string
	)
	d := orchestrator.NewDispatcher()
	d.Register("web-research", leaf("market notes"))
	d.Register("sales-analytics", leaf("sales table"))
	d.Register("report-writer", orchestrator.FuncCapability(func(_ context.Context, inputs map[string]string) (orchestrator.Invocation, error) {
		mu.Lock()
		reportInputs = inputs
		mu.Unlock()
		return orchestrator.Invocation{Success: true, Output: "report"}, nil
	}))

	e := newEngine(t, nil, WithDispatcher(d))
	res := e.Submit(context.Background(), Request{Query: compositeQuery})

	assert.Equal(t, "analysis.competitive", res.MatchedIntent.IntentID)
	require.NotNil(t, res.Outcome, "reasoning: %v", res.Reasoning)
	require.True(t, res.Outcome.Success, "outcome: %+v", res.Outcome)
	require.Len(t, res.Outcome.Nodes, 3)
	assert.Equal(t, StateCompleted, res.State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "market notes", reportInputs["dep:market_research"])
	assert.Equal(t, "sales table", reportInputs["dep:sales_figures"])

	report, ok := res.Outcome.Node("report")
	require.True(t, ok)
	for _, dep := range []string{"market_research", "sales_figures"} {
		n, ok := res.Outcome.Node(dep)
		require.True(t, ok)
		assert.False(t, report.StartedAt.Before(n.FinishedAt), "report started before %s finished", dep)
	}
	assertPolicyCoverage(t, res)
}

func TestSubmit_EmptyRetrievalFallsBackWithoutExecuting(t *testing.T) {
	e := newEngine(t, nil, WithRetriever(staticRetriever{}))
	res := e.Submit(context.Background(), Request{Query: destructiveQuery})

	assert.True(t, res.FallbackUsed)
	assert.Equal(t, decision.ReasonEmptyRetrieval, res.FallbackReason)
	assert.Nil(t, res.Outcome)
	require.NotNil(t, res.Plan)
	assert.Nil(t, res.Plan.DAG)
	assert.Equal(t, StateCompleted, res.State)
	assert.True(t, decision.IsSafeFallback(e.Registry().Current(), res.DecisionResult))

	snap := e.Registry().Current()
	assert.Equal(t, snap.FallbackIntent().ID, res.MatchedIntent.IntentID)
	assert.True(t, res.MatchedIntent.FallbackUsed)
	assert.Contains(t, res.Reasoning, "intent data.delete collapsed to fallback intent")
}

func TestSubmit_RegistryVersionFormatIsConsistent(t *testing.T) {
	e := newEngine(t, nil)
	want := e.Registry().Current().String()

	for _, q := range []string{compositeQuery, "hi"} {
		res := e.Submit(context.Background(), Request{Query: q, DryRun: true})
		assert.Equal(t, want, res.RegistryVersion, q)
		assert.Equal(t, want, res.MatchedIntent.RegistryVersion, q)
	}

	res := e.Submit(context.Background(), Request{Query: compositeQuery, Deadline: time.Now().Add(-time.Second)})
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, want, res.MatchedIntent.RegistryVersion)
}

func TestSubmit_RecoversFromPanics(t *testing.T) {
	e := newEngine(t, nil, WithRetriever(staticRetriever{panic: true}))

	var res Result
	require.NotPanics(t, func() {
		res = e.Submit(context.Background(), Request{Query: destructiveQuery})
	})
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, decision.ReasonInternal, res.FallbackReason)
	assert.True(t, decision.IsSafeFallback(e.Registry().Current(), res.DecisionResult))
	assert.Nil(t, res.Outcome)
}

func TestSubmit_ExpiredDeadlineResolvesToFallback(t *testing.T) {
	e := newEngine(t, nil)
	res := e.Submit(context.Background(), Request{Query: compositeQuery, Deadline: time.Now().Add(-time.Second)})

	assert.True(t, res.FallbackUsed)
	assert.Nil(t, res.Outcome)
	assert.True(t, res.Understanding.IsZero())
}

func TestSubmit_DryRunStopsAfterPolicy(t *testing.T) {
	e := newEngine(t, nil, withIDs(func() string { return "fixed-id" }))
	res := e.Submit(context.Background(), Request{Query: compositeQuery, DryRun: true})

	assert.Equal(t, "fixed-id", res.DecisionID)
	assert.Nil(t, res.Outcome)
	assert.Equal(t, []State{StatePending, StateRouted, StatePolicyChecked, StateCompleted}, res.Transitions)
	require.NotNil(t, res.Plan)
	assert.Equal(t, 3, res.Plan.DAG.Len())
	assert.Equal(t, registry.RiskMedium, res.RiskLevel)

	require.NotNil(t, res.Budget)
	assert.Equal(t, 1.0, res.Budget.MaxUSD)
	assert.False(t, res.Budget.Exceeded)
	assert.Greater(t, res.Budget.ReservedUSD, 0.0)
}

func TestSubmit_RoutingIsIdempotent(t *testing.T) {
	e := newEngine(t, nil)
	for _, q := range []string{compositeQuery, destructiveQuery, "hi", "find the onboarding documents"} {
		a := e.Submit(context.Background(), Request{Query: q, DryRun: true})
		b := e.Submit(context.Background(), Request{Query: q, DryRun: true})
		assert.Equal(t, a.Understanding, b.Understanding, q)
		assert.Equal(t, a.MatchedIntent, b.MatchedIntent, q)
		assert.Equal(t, a.Choices, b.Choices, q)
	}
}

func TestSubmit_NeverPanicsOnArbitraryInput(t *testing.T) {
	e := newEngine(t, nil)
	snap := e.Registry().Current()
	rng := rand.New(rand.NewSource(7))
	vocab := []string{
		"delete", "all", "records", "production", "compare", "sales", "market", "report",
		"search", "documents", "password", "ssn", "transfer", "funds", "review", "code",
		"ticket", "create", "summarize", "hi", "DROP", "TABLE", ";", "{", "\"", "\x00", "\xff\xfe",
	}
	roles := []string{"", "viewer", "member", "admin", "ghost"}

	for i := 0; i < 150; i++ {
		words := make([]string, rng.Intn(12))
		for j := range words {
			words[j] = vocab[rng.Intn(len(vocab))]
		}
		req := Request{
			Query: strings.Join(words, " "),
			Actor: policy.Actor{ID: "fuzz", Role: roles[rng.Intn(len(roles))]},
		}
		if rng.Intn(3) == 0 {
			req.Constraints = map[string]string{"approval": "elevated"}
		}

		var res Result
		require.NotPanics(t, func() { res = e.Submit(context.Background(), req) }, "query %q", req.Query)

		assert.NotEmpty(t, res.DecisionID)
		assert.Contains(t, []State{StateCompleted, StateFailed}, res.State)
		assert.Equal(t, StatePending, res.Transitions[0])
		if res.MatchedIntent.Confidence < e.Config().ConfidenceThreshold {
			assert.True(t, decision.IsSafeFallback(snap, res.DecisionResult), "query %q", req.Query)
		}
		if res.Blocked || res.FallbackUsed {
			assert.Nil(t, res.Outcome, "query %q", req.Query)
		}
		assertPolicyCoverage(t, res)

		_, err := json.Marshal(res)
		assert.NoError(t, err)
	}
}

func TestSubmit_RecordsToMemoryWithoutRawQuery(t *testing.T) {
	ctx := context.Background()
	store := memory.NewMemStore()
	m := memory.New(ctx, store, memory.WithLogger(quietLogger()))
	defer m.Close(ctx)

	cfg := testConfig()
	cfg.Memory.Recall = true
	e := newEngine(t, cfg, WithMemory(m))

	first := e.Submit(ctx, Request{Query: compositeQuery})
	require.Eventually(t, func() bool { return m.Written() == 1 }, 5*time.Second, 10*time.Millisecond)

	logged, err := store.Get(ctx, first.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, "analysis.competitive", logged.Router.IntentID)
	assert.Equal(t, "composite", logged.Summary.Complexity)
	assert.True(t, logged.Outcome.Executed)
	assert.Len(t, logged.Outcome.Nodes, 3)
	assert.InDelta(t, 0.09, logged.Outcome.CostUSD, 1e-9)
	assert.InDelta(t, 0.09, logged.Decision.ProjectedCostUSD, 1e-9)

	raw, err := json.Marshal(logged)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), compositeQuery)

	second := e.Submit(ctx, Request{Query: compositeQuery})
	require.NotEmpty(t, second.Recalled)
	assert.Equal(t, first.DecisionID, second.Recalled[0].DecisionID)
	assert.Equal(t, first.MatchedIntent, second.MatchedIntent, "recall is advisory")
}

func TestSubmit_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	e := newEngine(t, nil, WithMetrics(m))

	e.Submit(context.Background(), Request{Query: "hi"})
	e.Submit(context.Background(), Request{Query: destructiveQuery})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues(outcomeFallback)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues(outcomeBlocked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Fallbacks.WithLabelValues(decision.ReasonFallbackIntent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PolicyViolations.WithLabelValues(policy.RuleElevatedApproval)))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	reg, err := registry.New(cat)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Weights = config.Weights{}
	_, err = New(reg, cfg)
	assert.Error(t, err)

	_, err = New(nil, nil)
	assert.Error(t, err)
}
