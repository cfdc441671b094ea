// Package decision selects one capability per planned node by filtering,
// scoring and deterministic tie-breaking, or returns the Safe Fallback.
package decision

import (
	"fmt"
	"math"
	"sort"

	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/registry"
)

const scoreEpsilon = 1e-9

// Fallback reasons.
const (
	ReasonFallbackIntent = "fallback_intent"
	ReasonLowConfidence  = "low_confidence"
	ReasonNoSurvivors    = "no_survivors"
	ReasonEmptyPlan      = "empty_plan"
	ReasonEmptyRetrieval = "empty_retrieval"
	ReasonInternal       = "internal_error"
)

// Stats are aggregated outcomes of past executions of a capability.
type Stats struct {
	Samples        int     `json:"samples"`
	SuccessHistory float64 `json:"success_history"`
	Stability      float64 `json:"stability"`
}

// StatsProvider supplies history for Stage B. Unknown capabilities score
// the neutral midpoint.
type StatsProvider interface {
	CapabilityStats(capabilityID string) (Stats, bool)
}

// Breakdown holds the normalized terms of a score.
type Breakdown struct {
	CapabilityMatch float64 `json:"capability_match"`
	CostScore       float64 `json:"cost_score"`
	LatencyScore    float64 `json:"latency_score"`
	SuccessHistory  float64 `json:"success_history"`
	Stability       float64 `json:"stability"`
}

// Scored is a Stage B candidate.
type Scored struct {
	CapabilityID string    `json:"capability_id"`
	Kind         string    `json:"kind"`
	Cost         float64   `json:"cost"`
	Score        float64   `json:"score"`
	Breakdown    Breakdown `json:"breakdown"`
}

// Choice is the selected capability for one node.
type Choice struct {
	NodeID string `json:"node_id"`
	Scored
	Eliminated map[string]string `json:"eliminated,omitempty"`
}

// NodeCandidates pairs a node with the members of C eligible for it.
type NodeCandidates struct {
	Node       planner.TaskNode
	Candidates []planner.Candidate
}

// FromPlan lists every node of a plan with its candidates.
func FromPlan(p *planner.Plan) []NodeCandidates {
	if p == nil || p.DAG == nil {
		return nil
	}
	out := make([]NodeCandidates, 0, p.DAG.Len())
	for _, n := range p.DAG.Nodes {
		out = append(out, NodeCandidates{Node: n, Candidates: p.Candidates.Ranked()})
	}
	return out
}

// DecisionResult is the routing outcome.
type DecisionResult struct {
	MatchedIntent  intent.MatchedIntent `json:"matched_intent"`
	NeedsAgent     bool                 `json:"needs_agent"`
	Choices        []Choice             `json:"choices,omitempty"`
	Model          string               `json:"model,omitempty"`
	Score          float64              `json:"score"`
	Confidence     float64              `json:"confidence"`
	FallbackUsed   bool                 `json:"fallback_used"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
	Reasoning      []string             `json:"reasoning,omitempty"`
}

// Bindings maps node ids to chosen capability ids.
func (d DecisionResult) Bindings() map[string]string {
	out := make(map[string]string, len(d.Choices))
	for _, c := range d.Choices {
		out[c.NodeID] = c.CapabilityID
	}
	return out
}

// SafeFallback is the fixed decision used whenever routing cannot proceed:
// no agent, no tools, the snapshot's lowest-cost model.
func SafeFallback(snap *registry.Snapshot, mi intent.MatchedIntent, reason string) DecisionResult {
	d := DecisionResult{
		MatchedIntent:  mi,
		NeedsAgent:     false,
		Confidence:     mi.Confidence,
		FallbackUsed:   true,
		FallbackReason: reason,
		Reasoning:      []string{"safe fallback: " + reason},
	}
	if snap != nil {
		if m, ok := snap.FallbackModel(); ok {
			d.Model = m.ID
		}
	}
	return d
}

// IsSafeFallback reports whether d carries the fixed fallback route for snap.
func IsSafeFallback(snap *registry.Snapshot, d DecisionResult) bool {
	want := SafeFallback(snap, d.MatchedIntent, d.FallbackReason)
	return d.FallbackUsed && !d.NeedsAgent && len(d.Choices) == 0 && d.Model == want.Model && d.Score == 0
}

// Engine runs Stage A, B and C.
type Engine struct {
	weights      config.Weights
	threshold    float64
	maxCost      float64
	maxLatencyMs int
	stats        StatsProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithThreshold sets the minimum intent confidence.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// WithMaxCost sets the Stage A cost ceiling and the cost normalizer.
func WithMaxCost(c float64) Option {
	return func(e *Engine) {
		if c > 0 {
			e.maxCost = c
		}
	}
}

// WithMaxLatency sets the latency normalizer.
func WithMaxLatency(ms int) Option {
	return func(e *Engine) {
		if ms > 0 {
			e.maxLatencyMs = ms
		}
	}
}

// WithStats sets the history source.
func WithStats(s StatsProvider) Option {
	return func(e *Engine) { e.stats = s }
}

// New creates a decision engine. Weights are sum-normalized.
func New(w config.Weights, opts ...Option) (*Engine, error) {
	norm, err := w.Normalize()
	if err != nil {
		return nil, fmt.Errorf("decision weights: %w", err)
	}
	e := &Engine{
		weights:      norm,
		threshold:    0.6,
		maxCost:      0.25,
		maxLatencyMs: 10000,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewFromConfig builds an engine from engine configuration.
func NewFromConfig(cfg *config.EngineConfig, stats StatsProvider) (*Engine, error) {
	return New(cfg.Weights,
		WithThreshold(cfg.ConfidenceThreshold),
		WithMaxCost(cfg.MaxCandidateCost),
		WithMaxLatency(cfg.MaxLatencyMs),
		WithStats(stats),
	)
}

// Decide picks one capability per node. It returns the Safe Fallback when the
// matched intent is the fallback, its confidence is below threshold, or any
// node has no candidate surviving Stage A.
func (e *Engine) Decide(snap *registry.Snapshot, mi intent.MatchedIntent, nodes []NodeCandidates) DecisionResult {
	if mi.FallbackUsed {
		return SafeFallback(snap, mi, ReasonFallbackIntent)
	}
	if mi.Confidence < e.threshold {
		d := SafeFallback(snap, mi, ReasonLowConfidence)
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("intent confidence %.3f below %.2f", mi.Confidence, e.threshold))
		return d
	}
	if len(nodes) == 0 {
		return SafeFallback(snap, mi, ReasonEmptyPlan)
	}
	in, ok := snap.Intent(mi.IntentID)
	if !ok {
		return SafeFallback(snap, mi, ReasonInternal)
	}

	d := DecisionResult{MatchedIntent: mi, NeedsAgent: true, Confidence: mi.Confidence}
	total := 0.0
	for _, nc := range nodes {
		survivors, eliminated := e.filter(in, nc)
		if len(survivors) == 0 {
			fb := SafeFallback(snap, mi, ReasonNoSurvivors)
			fb.Reasoning = append(fb.Reasoning, fmt.Sprintf("node %s: no candidate survived the rule filter", nc.Node.ID))
			for id, why := range eliminated {
				fb.Reasoning = append(fb.Reasoning, fmt.Sprintf("node %s: %s eliminated: %s", nc.Node.ID, id, why))
			}
			sort.Strings(fb.Reasoning[1:])
			return fb
		}
		scored := e.score(survivors)
		best := scored[0]
		d.Choices = append(d.Choices, Choice{NodeID: nc.Node.ID, Scored: best, Eliminated: eliminated})
		d.Reasoning = append(d.Reasoning, fmt.Sprintf("node %s: %s scored %.3f among %d survivors", nc.Node.ID, best.CapabilityID, best.Score, len(scored)))
		total += best.Score
	}
	d.Score = total / float64(len(d.Choices))
	return d
}

// filter is Stage A.
func (e *Engine) filter(in registry.Intent, nc NodeCandidates) ([]planner.Candidate, map[string]string) {
	var survivors []planner.Candidate
	eliminated := map[string]string{}
	for _, c := range nc.Candidates {
		capability := c.Capability
		switch {
		case capability.RiskClass.Exceeds(in.RiskCeiling):
			eliminated[capability.ID] = fmt.Sprintf("risk %s exceeds ceiling %s", capability.RiskClass, in.RiskCeiling)
		case capability.Cost > e.maxCost:
			eliminated[capability.ID] = fmt.Sprintf("cost %.4f exceeds %.4f", capability.Cost, e.maxCost)
		case !capability.Covers(nc.Node.Requires):
			eliminated[capability.ID] = "does not cover required capabilities"
		default:
			survivors = append(survivors, c)
		}
	}
	if len(eliminated) == 0 {
		eliminated = nil
	}
	return survivors, eliminated
}

// score is Stage B. The result is sorted best first: highest score, then
// lower raw cost, then smaller id.
func (e *Engine) score(survivors []planner.Candidate) []Scored {
	top := 0.0
	for _, c := range survivors {
		top = math.Max(top, c.Relevance)
	}

	out := make([]Scored, 0, len(survivors))
	for _, c := range survivors {
		b := Breakdown{
			CapabilityMatch: 1,
			CostScore:       clamp01(1 - c.Capability.Cost/e.maxCost),
			LatencyScore:    clamp01(1 - float64(c.Capability.LatencyMs)/float64(e.maxLatencyMs)),
			SuccessHistory:  0.5,
			Stability:       0.5,
		}
		if top > 0 {
			b.CapabilityMatch = clamp01(c.Relevance / top)
		}
		if e.stats != nil {
			if s, ok := e.stats.CapabilityStats(c.Capability.ID); ok && s.Samples > 0 {
				b.SuccessHistory = clamp01(s.SuccessHistory)
				b.Stability = clamp01(s.Stability)
			}
		}
		w := e.weights
		score := w.CapabilityMatch*b.CapabilityMatch +
			w.Cost*b.CostScore +
			w.Latency*b.LatencyScore +
			w.SuccessHistory*b.SuccessHistory +
			w.Stability*b.Stability
		out = append(out, Scored{
			CapabilityID: c.Capability.ID,
			Kind:         string(c.Capability.Kind),
			Cost:         c.Capability.Cost,
			Score:        score,
			Breakdown:    b,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

// better orders by score; scores within scoreEpsilon count as equal and fall
// through to lower cost, then capability id.
func better(a, b Scored) bool {
	if math.Abs(a.Score-b.Score) > scoreEpsilon {
		return a.Score > b.Score
	}
	if a.Cost != b.Cost {
		return a.Cost < b.Cost
	}
	return a.CapabilityID < b.CapabilityID
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
