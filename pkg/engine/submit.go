package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/routecore/pkg/decision"
	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/memory"
	"github.com/zen-systems/routecore/pkg/orchestrator"
	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/policy"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/semantic"
)

// State is a request's position in the decision state machine.
type State string

const (
	StatePending       State = "pending"
	StateRouted        State = "routed"
	StatePolicyChecked State = "policy_checked"
	StateExecuting     State = "executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Outcome labels for metrics.
const (
	outcomeFallback  = "fallback"
	outcomeBlocked   = "blocked"
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
)

// Request is one submission.
type Request struct {
	Query       string            `json:"query"`
	Session     map[string]string `json:"session_context,omitempty"`
	Constraints map[string]string `json:"constraints,omitempty"`
	Actor       policy.Actor      `json:"actor"`
	// Deadline bounds the whole request; zero uses the configured default.
	Deadline time.Time `json:"deadline,omitzero"`
	// DryRun stops after the policy gate without executing.
	DryRun bool `json:"dry_run,omitempty"`
}

// Recall is an advisory routing-memory hit.
type Recall struct {
	DecisionID string  `json:"decision_id"`
	IntentID   string  `json:"intent_id"`
	Score      float64 `json:"score"`
	Success    bool    `json:"success"`
}

// Result is the decision returned by Submit, together with the audit trail
// of how it was reached.
type Result struct {
	decision.DecisionResult

	DecisionID      string                         `json:"decision_id"`
	RegistryVersion string                         `json:"registry_version"`
	State           State                          `json:"state"`
	Transitions     []State                        `json:"transitions"`
	Understanding   semantic.Understanding         `json:"understanding"`
	Plan            *planner.Plan                  `json:"plan,omitempty"`
	Policy          []policy.PolicyResult          `json:"policy,omitempty"`
	Violations      []policy.Violation             `json:"violations,omitempty"`
	RiskLevel       registry.RiskClass             `json:"risk_level"`
	Blocked         bool                           `json:"blocked"`
	Budget          *policy.BudgetStatus           `json:"budget,omitempty"`
	Outcome         *orchestrator.ExecutionOutcome `json:"outcome,omitempty"`
	Recalled        []Recall                       `json:"recalled,omitempty"`
}

func (r *Result) transition(s State) {
	r.State = s
	r.Transitions = append(r.Transitions, s)
}

func fallbackMatch(snap *registry.Snapshot) intent.MatchedIntent {
	return intent.MatchedIntent{
		IntentID:        snap.FallbackIntent().ID,
		RegistryVersion: snap.String(),
		FallbackUsed:    true,
	}
}

// Submit routes one request. It never returns an error and never panics:
// every path ends in a well-formed Result, with the Safe Fallback standing in
// wherever routing cannot proceed.
func (e *Engine) Submit(ctx context.Context, req Request) (res Result) {
	snap := e.registry.Current()
	res = Result{
		DecisionID:      e.newID(),
		RegistryVersion: snap.String(),
		RiskLevel:       registry.RiskLow,
		Understanding:   semantic.Zero(),
	}
	res.transition(StatePending)

	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(e.cfg.DefaultDeadline)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	ctx, span := tracer.Start(ctx, "engine.Submit", trace.WithAttributes(
		attribute.String("decision_id", res.DecisionID),
		attribute.String("registry.version", snap.Version()),
	))
	defer span.End()

	logger := e.logger.With(
		slog.String("decision_id", res.DecisionID),
		slog.String("query_digest", queryDigest(req.Query)),
	)
	start := time.Now()
	su := semantic.Zero()
	mi := fallbackMatch(snap)
	nodes := 0

	defer func() {
		if r := recover(); r != nil {
			logger.Error("submit recovered from panic", slog.Any("panic", r))
			span.SetStatus(codes.Error, "panic")
			fb := decision.SafeFallback(snap, mi, decision.ReasonInternal)
			fb.Reasoning = append(fb.Reasoning, fmt.Sprintf("recovered: %v", r))
			res.DecisionResult = fb
			res.Plan, res.Policy, res.Violations, res.Outcome = nil, nil, nil, nil
			res.Blocked = false
			res.transition(StateFailed)
			nodes = 0
		}
		e.finish(logger, snap, su, mi, nodes, &res, time.Since(start))
	}()

	total := time.Until(deadline)

	if e.memory != nil && e.cfg.Memory.Recall {
		rctx, end := e.stage(ctx, "recall", e.budget(total, e.cfg.Stages.Understand)/2)
		res.Recalled = e.recall(rctx, req.Query, logger)
		end()
	}

	// L1
	uctx, end := e.stage(ctx, "understand", e.budget(total, e.cfg.Stages.Understand))
	su = e.understander.Understand(uctx, semantic.Input{Query: req.Query, Session: req.Session, Constraints: req.Constraints})
	end()
	res.Understanding = su

	// L2
	_, end = e.stage(ctx, "match", e.budget(total, e.cfg.Stages.Match))
	mi = e.matcher.Match(snap, su)
	end()
	if e.debug {
		logger.Debug("intent matched",
			slog.String("intent_id", mi.IntentID),
			slog.Float64("confidence", mi.Confidence),
			slog.Int("signals", su.Signals()),
		)
	}
	if mi.FallbackUsed || mi.Confidence < e.cfg.ConfidenceThreshold {
		res.DecisionResult = e.decider.Decide(snap, mi, nil)
		res.transition(StateCompleted)
		return res
	}

	// L3
	pctx, end := e.stage(ctx, "plan", e.budget(total, e.cfg.Stages.Plan))
	plan, err := e.planner.Plan(pctx, snap, mi, su)
	end()
	res.Plan = plan
	if err != nil {
		reason := decision.ReasonEmptyPlan
		if errors.Is(err, planner.ErrEmptyRetrieval) {
			reason = decision.ReasonEmptyRetrieval
		}
		logger.Warn("planning failed; safe fallback",
			slog.String("intent_id", mi.IntentID),
			slog.String("reason", reason),
			slog.Any("error", err),
		)
		// The plan collapses onto the Fallback Intent; the router output
		// recorded in memory still names the L2 match.
		res.DecisionResult = decision.SafeFallback(snap, fallbackMatch(snap), reason)
		res.Reasoning = append(res.Reasoning,
			fmt.Sprintf("intent %s collapsed to fallback intent", mi.IntentID),
			err.Error(),
		)
		res.transition(StateCompleted)
		return res
	}
	res.transition(StateRouted)

	// Decision engine
	_, end = e.stage(ctx, "decide", 0)
	d := e.decider.Decide(snap, mi, decision.FromPlan(plan))
	end()
	res.DecisionResult = d
	if d.FallbackUsed {
		res.transition(StateCompleted)
		return res
	}

	bound := plan.DAG.Bind(d.Bindings())
	verdict := planner.Validate(bound, plan.Candidates, e.cfg.MaxDAGNodes)
	if !verdict.Grounded() {
		logger.Warn("bound plan failed validation",
			slog.String("anomaly", "ungrounded_plan"),
			slog.String("reason", string(verdict.Reason)),
			slog.String("detail", verdict.Detail),
		)
		res.DecisionResult = decision.SafeFallback(snap, mi, decision.ReasonInternal)
		res.Reasoning = append(res.Reasoning, verdict.Err().Error())
		res.transition(StateCompleted)
		return res
	}
	dag := verdict.DAG
	plan.DAG = dag
	nodes = dag.Len()

	// L4
	in, _ := snap.Intent(mi.IntentID)
	lctx, end := e.stage(ctx, "policy", e.budget(total, e.cfg.Stages.Policy))
	budget := policy.NewBudget(e.cfg.Budget.MaxCostUSD)
	results, ok := e.policy.CheckPlan(lctx, dag, req.Actor, policy.CheckContext{
		Snapshot:    snap,
		Intent:      in,
		Query:       req.Query,
		Constraints: req.Constraints,
		Budget:      budget,
	})
	end()
	status := budget.Status()
	res.Budget = &status
	res.Policy = results
	for _, r := range results {
		res.RiskLevel = registry.MaxRisk(res.RiskLevel, r.RiskLevel)
		res.Violations = append(res.Violations, r.Violations...)
	}
	if !ok {
		res.Blocked = true
		for _, v := range res.Violations {
			res.Reasoning = append(res.Reasoning, fmt.Sprintf("blocked: %s: %s", v.Rule, v.Message))
		}
		logger.Info("request blocked by policy",
			slog.String("intent_id", mi.IntentID),
			slog.String("risk_level", string(res.RiskLevel)),
			slog.Int("violations", len(res.Violations)),
		)
		res.transition(StateCompleted)
		return res
	}
	res.transition(StatePolicyChecked)
	if req.DryRun {
		res.transition(StateCompleted)
		return res
	}

	// L5
	res.transition(StateExecuting)
	xctx, end := e.stage(ctx, "execute", e.budget(total, e.cfg.Stages.Execute))
	outcome := e.executor(snap).Execute(xctx, dag, orchestrator.ClearancesFrom(results))
	end()
	res.Outcome = &outcome
	if outcome.Success {
		span.SetStatus(codes.Ok, "")
		res.transition(StateCompleted)
	} else {
		spanError(span, outcome.Error)
		res.transition(StateFailed)
	}
	return res
}

func (e *Engine) executor(snap *registry.Snapshot) *orchestrator.Executor {
	d := e.dispatcher
	if d == nil {
		d = orchestrator.FromSnapshot(snap, e.adapters)
	}
	return orchestrator.NewExecutor(d,
		orchestrator.WithWorkers(e.cfg.Workers),
		orchestrator.WithRetry(e.cfg.Retry),
		orchestrator.WithNodeTimeout(e.cfg.NodeTimeout),
		orchestrator.WithObserver(func(r orchestrator.NodeResult) { e.metrics.Node(string(r.Status)) }),
		orchestrator.WithLogger(e.logger),
	)
}

func (e *Engine) recall(ctx context.Context, query string, logger *slog.Logger) []Recall {
	hits, err := e.memory.Recall(ctx, query, e.cfg.Memory.RecallTopK)
	if err != nil {
		logger.Warn("routing memory recall failed", slog.Any("error", err))
	}
	out := make([]Recall, 0, len(hits))
	for _, h := range hits {
		out = append(out, Recall{
			DecisionID: h.DecisionID,
			IntentID:   h.Log.Router.IntentID,
			Score:      h.Score,
			Success:    h.Log.Outcome.Success,
		})
	}
	return out
}

// finish records metrics and the decision log. It runs on every path.
func (e *Engine) finish(logger *slog.Logger, snap *registry.Snapshot, su semantic.Understanding, mi intent.MatchedIntent, nodes int, res *Result, elapsed time.Duration) {
	outcome := outcomeSucceeded
	switch {
	case res.FallbackUsed:
		outcome = outcomeFallback
		e.metrics.Fallback(res.FallbackReason)
	case res.Blocked:
		outcome = outcomeBlocked
	case res.State == StateFailed:
		outcome = outcomeFailed
	}
	e.metrics.Decision(outcome)
	for _, v := range res.Violations {
		e.metrics.Violation(v.Rule)
	}

	logger.Info("decision complete",
		slog.String("intent_id", res.MatchedIntent.IntentID),
		slog.String("state", string(res.State)),
		slog.String("outcome", outcome),
		slog.Bool("fallback_used", res.FallbackUsed),
		slog.Duration("elapsed", elapsed),
	)

	if e.memory == nil {
		return
	}
	rec := memory.DecisionFrom(res.DecisionResult)
	rec.Blocked = res.Blocked
	if res.Budget != nil {
		rec.ProjectedCostUSD = res.Budget.ReservedUSD
	}
	for _, v := range res.Violations {
		rec.Violations = append(rec.Violations, v.Rule)
	}
	out := memory.Outcome{LatencyMs: elapsed.Milliseconds()}
	if res.Outcome != nil {
		out.Executed = true
		out.Success = res.Outcome.Success
		for _, n := range res.Outcome.Nodes {
			out.Nodes = append(out.Nodes, memory.NodeOutcome{
				NodeID:       n.NodeID,
				CapabilityID: n.CapabilityID,
				Status:       string(n.Status),
				LatencyMs:    n.LatencyMs,
				Attempts:     n.Attempts,
				Corrected:    n.Correction != "",
			})
			if n.Status == orchestrator.StatusSucceeded || n.Status == orchestrator.StatusFailed {
				if c, ok := snap.Capability(n.CapabilityID); ok {
					out.CostUSD += c.Cost
				}
			}
		}
	}
	e.memory.Record(memory.DecisionLog{
		DecisionID: res.DecisionID,
		Timestamp:  time.Now().UTC(),
		Summary:    memory.Summarize(su, mi, res.DecisionResult, res.RiskLevel, nodes),
		Router:     memory.RouterFrom(mi),
		Decision:   rec,
		Outcome:    out,
	})
}
