// Package orchestrator executes a validated, policy-cleared task graph,
// releasing nodes to a worker pool as their dependencies complete.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/policy"
)

var tracer = otel.Tracer("routecore.orchestrator")

// NodeStatus is the terminal state of a node.
type NodeStatus string

const (
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
	StatusRefused   NodeStatus = "refused"
)

// NodeResult records one node's execution.
type NodeResult struct {
	NodeID       string        `json:"node_id"`
	CapabilityID string        `json:"capability_id"`
	Status       NodeStatus    `json:"status"`
	Output       string        `json:"output,omitempty"`
	Attempts     int           `json:"attempts"`
	LatencyMs    int64         `json:"latency_ms"`
	Correction   string        `json:"correction,omitempty"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Usage        *UsageSummary `json:"usage,omitempty"`
}

// UsageSummary is token usage reported by model capabilities.
type UsageSummary struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExecutionOutcome is the composite result of a graph run.
type ExecutionOutcome struct {
	Nodes          []NodeResult `json:"nodes"`
	Success        bool         `json:"success"`
	TotalLatencyMs int64        `json:"total_latency_ms"`
	Error          string       `json:"error,omitempty"`
}

// Node returns the result for id.
func (o ExecutionOutcome) Node(id string) (NodeResult, bool) {
	for _, n := range o.Nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return NodeResult{}, false
}

// Clearances counts valid policy results per node.
type Clearances map[string]int

// ClearancesFrom builds clearances from policy results.
func ClearancesFrom(results []policy.PolicyResult) Clearances {
	c := Clearances{}
	for _, r := range results {
		if r.Valid {
			c[r.NodeID]++
		}
	}
	return c
}

// Executor runs task graphs.
type Executor struct {
	dispatcher  *Dispatcher
	workers     int
	retry       config.RetryConfig
	nodeTimeout time.Duration
	observe     func(NodeResult)
	logger      *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithWorkers sets the pool size.
func WithWorkers(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRetry sets retry and backoff.
func WithRetry(r config.RetryConfig) Option {
	return func(e *Executor) { e.retry = r }
}

// WithNodeTimeout bounds each attempt.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithObserver is called with every terminal node result.
func WithObserver(fn func(NodeResult)) Option {
	return func(e *Executor) { e.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor over a dispatcher.
func NewExecutor(d *Dispatcher, opts ...Option) *Executor {
	e := &Executor{
		dispatcher:  d,
		workers:     4,
		retry:       config.RetryConfig{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000},
		nodeTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs dag in dependency order. A node is released once every
// dependency succeeded and only if it holds exactly one valid clearance.
// Failed or refused nodes cause their dependents to be skipped.
func (e *Executor) Execute(ctx context.Context, dag *planner.TaskDAG, clearances Clearances) ExecutionOutcome {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "orchestrator.Execute",
		trace.WithAttributes(attribute.Int("dag.node_count", dag.Len())),
	)
	defer span.End()

	if dag == nil {
		return ExecutionOutcome{Error: "empty task graph"}
	}
	order, err := dag.TopoOrder()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ExecutionOutcome{Error: err.Error()}
	}
	if len(order) == 0 {
		return ExecutionOutcome{Error: "empty task graph"}
	}

	nodes := make(map[string]planner.TaskNode, len(order))
	remaining := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, n := range dag.Nodes {
		nodes[n.ID] = n
		remaining[n.ID] = len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	jobs := make(chan planner.TaskNode, len(order))
	done := make(chan NodeResult, len(order))
	var wg sync.WaitGroup
	for i := 0; i < min(e.workers, len(order)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range jobs {
				done <- e.runNode(ctx, n)
			}
		}()
	}

	results := make(map[string]NodeResult, len(order))
	var settle func(NodeResult)
	release := func(id string) {
		if _, finished := results[id]; finished {
			return
		}
		n := nodes[id]
		if got := clearances[id]; got != 1 {
			now := time.Now()
			settle(NodeResult{
				NodeID:       id,
				CapabilityID: n.CapabilityID,
				Status:       StatusRefused,
				Error:        fmt.Sprintf("node requires exactly one valid policy clearance, has %d", got),
				StartedAt:    now,
				FinishedAt:   now,
			})
			return
		}
		inputs := make(map[string]string, len(n.Inputs)+len(n.DependsOn))
		maps.Copy(inputs, n.Inputs)
		for _, dep := range n.DependsOn {
			inputs["dep:"+dep] = results[dep].Output
		}
		n.Inputs = inputs
		jobs <- n
	}
	settle = func(r NodeResult) {
		results[r.NodeID] = r
		if e.observe != nil {
			e.observe(r)
		}
		if r.Status == StatusSucceeded {
			for _, next := range dependents[r.NodeID] {
				remaining[next]--
				if remaining[next] == 0 {
					release(next)
				}
			}
			return
		}
		for _, next := range dependents[r.NodeID] {
			if _, finished := results[next]; finished {
				continue
			}
			now := time.Now()
			settle(NodeResult{
				NodeID:       next,
				CapabilityID: nodes[next].CapabilityID,
				Status:       StatusSkipped,
				Error:        "dependency " + r.NodeID + " " + string(r.Status),
				StartedAt:    now,
				FinishedAt:   now,
			})
		}
	}

	for _, id := range order {
		if remaining[id] == 0 {
			release(id)
		}
	}
	for len(results) < len(order) {
		settle(<-done)
	}
	close(jobs)
	wg.Wait()

	out := ExecutionOutcome{Success: true, TotalLatencyMs: time.Since(start).Milliseconds()}
	for _, id := range order {
		r := results[id]
		if r.Status != StatusSucceeded {
			out.Success = false
		}
		out.Nodes = append(out.Nodes, r)
	}
	if out.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		out.Error = "one or more nodes did not succeed"
		span.SetStatus(codes.Error, out.Error)
	}
	return out
}

func (e *Executor) runNode(ctx context.Context, n planner.TaskNode) NodeResult {
	ctx, span := tracer.Start(ctx, "orchestrator.node",
		trace.WithAttributes(
			attribute.String("node.id", n.ID),
			attribute.String("node.capability_id", n.CapabilityID),
			attribute.StringSlice("node.depends_on", n.DependsOn),
		),
	)
	defer span.End()

	res := NodeResult{NodeID: n.ID, CapabilityID: n.CapabilityID, StartedAt: time.Now()}
	defer func() {
		res.FinishedAt = time.Now()
		res.LatencyMs = res.FinishedAt.Sub(res.StartedAt).Milliseconds()
	}()

	capability, ok := e.dispatcher.Lookup(n.CapabilityID)
	if !ok {
		res.Status = StatusFailed
		res.Error = "no implementation registered for " + n.CapabilityID
		span.SetStatus(codes.Error, res.Error)
		return res
	}

	var lastErr error
	for attempt := 0; attempt <= e.retry.MaxRetries; attempt++ {
		res.Attempts = attempt + 1
		inv, err := e.invoke(ctx, capability, n.Inputs)
		if err == nil && inv.Success {
			res.Status = StatusSucceeded
			res.Output = inv.Output
			res.Correction = inv.Correction
			if inv.Usage != nil {
				u := inv.Usage.Normalize()
				res.Usage = &UsageSummary{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
			}
			span.SetAttributes(attribute.Int("node.attempts", res.Attempts))
			span.SetStatus(codes.Ok, "")
			return res
		}
		if err == nil {
			err = errors.New("capability reported failure")
			res.Correction = inv.Correction
		}
		lastErr = err
		if !retryable(err) || attempt == e.retry.MaxRetries || ctx.Err() != nil {
			break
		}
		e.logger.Debug("retrying node",
			slog.String("node_id", n.ID),
			slog.String("capability_id", n.CapabilityID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err),
		)
		if err := sleepWithContext(ctx, computeBackoff(e.retry.BaseBackoffMs, e.retry.MaxBackoffMs, attempt)); err != nil {
			lastErr = err
			break
		}
	}

	res.Status = StatusFailed
	res.Error = lastErr.Error()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, res.Error)
	e.logger.Warn("node failed",
		slog.String("node_id", n.ID),
		slog.String("capability_id", n.CapabilityID),
		slog.Int("attempts", res.Attempts),
		slog.Any("error", lastErr),
	)
	return res
}

func (e *Executor) invoke(ctx context.Context, c Capability, inputs map[string]string) (inv Invocation, err error) {
	ctx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: capability panicked: %v", ErrPermanent, r)
		}
	}()
	return c.Invoke(ctx, inputs)
}
