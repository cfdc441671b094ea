// Package engine wires the five decision stages into the single Submit entry
// point.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/routecore/pkg/adapter"
	"github.com/zen-systems/routecore/pkg/config"
	"github.com/zen-systems/routecore/pkg/decision"
	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/memory"
	"github.com/zen-systems/routecore/pkg/metrics"
	"github.com/zen-systems/routecore/pkg/orchestrator"
	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/policy"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
	"github.com/zen-systems/routecore/pkg/semantic"
)

var tracer = otel.Tracer("routecore.engine")

// Engine runs requests through L1 to L5.
type Engine struct {
	cfg      *config.EngineConfig
	registry *registry.Registry

	understander *semantic.Understander
	matcher      *intent.Matcher
	planner      *planner.Planner
	policy       *policy.Engine
	decider      *decision.Engine

	adapters   adapter.Set
	dispatcher *orchestrator.Dispatcher
	memory     *memory.Memory
	metrics    *metrics.Metrics
	logger     *slog.Logger
	debug      bool

	retriever   retrieval.Retriever
	permissions policy.PermissionChecker
	members     []semantic.Member
	proposer    planner.Proposer

	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithAdapters sets the model adapters used by the classifier, the planner
// proposer and model capabilities.
func WithAdapters(set adapter.Set) Option {
	return func(e *Engine) { e.adapters = set }
}

// WithRetriever replaces the default lexical retriever.
func WithRetriever(r retrieval.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithPermissions replaces the role table built from config.
func WithPermissions(p policy.PermissionChecker) Option {
	return func(e *Engine) { e.permissions = p }
}

// WithClassifiers replaces the default L1 ensemble.
func WithClassifiers(members ...semantic.Member) Option {
	return func(e *Engine) { e.members = members }
}

// WithProposer sets the L3 graph proposer.
func WithProposer(p planner.Proposer) Option {
	return func(e *Engine) { e.proposer = p }
}

// WithDispatcher fixes the capability table instead of deriving one from
// each request's snapshot.
func WithDispatcher(d *orchestrator.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithMemory enables routing memory.
func WithMemory(m *memory.Memory) Option {
	return func(e *Engine) { e.memory = m }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDebug enables debug logging of stage results.
func WithDebug(debug bool) Option {
	return func(e *Engine) { e.debug = debug }
}

// withIDs overrides decision id generation.
func withIDs(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// New builds an engine over reg. A nil cfg uses the defaults.
func New(reg *registry.Registry, cfg *config.EngineConfig, opts ...Option) (*Engine, error) {
	if reg == nil || reg.Current() == nil {
		return nil, errors.New("engine requires a published registry")
	}
	if cfg == nil {
		cfg = config.DefaultEngineConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		registry: reg,
		adapters: adapter.Set{"mock": adapter.NewMockAdapter()},
		logger:   slog.Default(),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.members == nil {
		members, err := defaultMembers(cfg, e.adapters, e.logger)
		if err != nil {
			return nil, err
		}
		e.members = members
	}
	e.understander = semantic.NewUnderstander(e.logger, e.members...)
	e.matcher = intent.NewMatcher(cfg.MatchThreshold)

	if e.retriever == nil {
		lex := retrieval.NewLexicalRetriever(reg.Current)
		rules, err := policy.DefaultRules()
		if err != nil {
			return nil, fmt.Errorf("load domain rules: %w", err)
		}
		lex.Index(retrieval.NamespacePolicy, policy.RuleDocuments(rules)...)
		e.retriever = lex
	}

	if e.proposer == nil && cfg.Planner.Enabled() {
		if a, ok := e.adapters.Get(cfg.Planner.Adapter); ok {
			e.proposer = planner.NewModelProposer(a, cfg.Planner.Model)
		} else {
			e.logger.Warn("planner adapter not available; using templates", slog.String("adapter", cfg.Planner.Adapter))
		}
	}
	plannerOpts := []planner.Option{
		planner.WithTopK(cfg.RetrievalTopK),
		planner.WithMaxNodes(cfg.MaxDAGNodes),
		planner.WithLogger(e.logger),
	}
	if e.proposer != nil {
		plannerOpts = append(plannerOpts, planner.WithProposer(e.proposer))
	}
	e.planner = planner.New(e.retriever, plannerOpts...)

	if e.permissions == nil {
		table, err := policy.NewRoleTable(cfg.Permissions)
		if err != nil {
			return nil, err
		}
		e.permissions = table
	}
	pe, err := policy.NewEngine(e.permissions,
		policy.WithRetriever(e.retriever),
		policy.WithApprovalKey(cfg.ApprovalKey),
		policy.WithLogger(e.logger),
	)
	if err != nil {
		return nil, err
	}
	e.policy = pe

	var stats decision.StatsProvider
	if e.memory != nil {
		stats = e.memory
	}
	d, err := decision.NewFromConfig(cfg, stats)
	if err != nil {
		return nil, err
	}
	e.decider = d
	return e, nil
}

func defaultMembers(cfg *config.EngineConfig, adapters adapter.Set, logger *slog.Logger) ([]semantic.Member, error) {
	lex, err := semantic.DefaultLexicon()
	if err != nil {
		return nil, err
	}
	h, err := semantic.NewHeuristicClassifier(lex)
	if err != nil {
		return nil, err
	}
	members := []semantic.Member{{Classifier: h, Weight: 1}}
	if cfg.Classifier.Enabled() {
		a, ok := adapters.Get(cfg.Classifier.Adapter)
		if !ok {
			logger.Warn("classifier adapter not available; heuristic only", slog.String("adapter", cfg.Classifier.Adapter))
			return members, nil
		}
		var opts []semantic.ModelOption
		if cfg.Classifier.RatePerSecond > 0 {
			opts = append(opts, semantic.WithRateLimit(cfg.Classifier.RatePerSecond, cfg.Classifier.Burst))
		}
		members = append(members, semantic.Member{
			Classifier: semantic.NewModelClassifier(a, cfg.Classifier.Model, opts...),
			Weight:     cfg.Classifier.Weight,
		})
	}
	return members, nil
}

// Registry returns the registry the engine routes against.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Config returns the engine configuration.
func (e *Engine) Config() *config.EngineConfig { return e.cfg }

// queryDigest identifies a query in logs without recording it.
func queryDigest(q string) string {
	sum := sha256.Sum256([]byte(q))
	return hex.EncodeToString(sum[:6])
}

// stage starts a span and a sub-deadline of budget for one stage. The
// returned func ends both and records the duration.
func (e *Engine) stage(ctx context.Context, name string, budget time.Duration) (context.Context, func()) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "engine."+name, trace.WithAttributes(attribute.String("stage", name)))
	cancel := func() {}
	if budget > 0 {
		ctx, cancel = context.WithTimeout(ctx, budget)
	}
	return ctx, func() {
		cancel()
		span.End()
		e.metrics.ObserveStage(name, time.Since(start))
	}
}

func (e *Engine) budget(total time.Duration, fraction float64) time.Duration {
	return time.Duration(float64(total) * fraction)
}

func spanError(span trace.Span, msg string) {
	span.SetStatus(codes.Error, msg)
}
