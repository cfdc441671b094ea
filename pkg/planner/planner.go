package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
	"github.com/zen-systems/routecore/pkg/semantic"
)

// ErrEmptyRetrieval is returned when no grounded candidate was found.
var ErrEmptyRetrieval = errors.New("capability retrieval returned no grounded candidates")

// Plan is the L3 output.
type Plan struct {
	IntentID   string       `json:"intent_id"`
	Candidates CandidateSet `json:"-"`
	DAG        *TaskDAG     `json:"dag,omitempty"`
	Proposer   string       `json:"proposer,omitempty"`
	// Collapsed is set when the proposed graph was rejected and replaced
	// with a single node.
	Collapsed bool         `json:"collapsed,omitempty"`
	Rejection RejectReason `json:"rejection,omitempty"`
	Anomalies []string     `json:"anomalies,omitempty"`
}

// CandidatesFor returns the members of C eligible for node, in rank order.
func (p *Plan) CandidatesFor(node TaskNode) []Candidate {
	return p.Candidates.Covering(node.Requires)
}

// Planner retrieves candidates and produces validated graphs.
type Planner struct {
	retriever retrieval.Retriever
	proposer  Proposer
	topK      int
	maxNodes  int
	logger    *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithProposer replaces the template proposer.
func WithProposer(p Proposer) Option {
	return func(pl *Planner) {
		if p != nil {
			pl.proposer = p
		}
	}
}

// WithTopK sets how many hits are retrieved per required tag.
func WithTopK(k int) Option {
	return func(pl *Planner) {
		if k > 0 {
			pl.topK = k
		}
	}
}

// WithMaxNodes bounds the size of accepted graphs.
func WithMaxNodes(n int) Option {
	return func(pl *Planner) {
		if n > 0 {
			pl.maxNodes = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(pl *Planner) {
		if logger != nil {
			pl.logger = logger
		}
	}
}

// New creates a planner.
func New(r retrieval.Retriever, opts ...Option) *Planner {
	p := &Planner{
		retriever: r,
		proposer:  TemplateProposer{},
		topK:      8,
		maxNodes:  8,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Plan retrieves the candidate set C for the matched intent, drafts a graph
// and validates it. An empty C yields ErrEmptyRetrieval; a rejected graph is
// collapsed to a single node on the best candidate.
func (p *Planner) Plan(ctx context.Context, snap *registry.Snapshot, mi intent.MatchedIntent, su semantic.Understanding) (*Plan, error) {
	in, ok := snap.Intent(mi.IntentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownIntent, mi.IntentID)
	}
	plan := &Plan{IntentID: in.ID}

	cands, err := p.discover(ctx, snap, in, su, plan)
	if err != nil {
		return plan, err
	}
	plan.Candidates = cands
	if cands.Len() == 0 {
		return plan, ErrEmptyRetrieval
	}

	proposal := Proposal{Intent: in, Candidates: cands, Terms: su.Terms()}
	dag, err := p.proposer.Propose(ctx, proposal)
	plan.Proposer = p.proposer.Name()
	if err != nil {
		p.logger.Warn("proposer failed; using template",
			slog.String("intent_id", in.ID),
			slog.String("proposer", p.proposer.Name()),
			slog.Any("error", err),
		)
		plan.Anomalies = append(plan.Anomalies, "proposer_failed: "+err.Error())
		dag, err = TemplateProposer{}.Propose(ctx, proposal)
		plan.Proposer = TemplateProposer{}.Name()
		if err != nil {
			return plan, err
		}
	}
	fillRequirements(dag, in, cands)

	verdict := Validate(dag, cands, p.maxNodes)
	if !verdict.Grounded() {
		p.logger.Warn("plan rejected; collapsing to single node",
			slog.String("anomaly", "ungrounded_plan"),
			slog.String("intent_id", in.ID),
			slog.String("reason", string(verdict.Reason)),
			slog.String("detail", verdict.Detail),
		)
		plan.Anomalies = append(plan.Anomalies, fmt.Sprintf("%s: %s", verdict.Reason, verdict.Detail))
		plan.Rejection = verdict.Reason
		plan.Collapsed = true
		verdict = Validate(collapse(in, cands), cands, p.maxNodes)
		if !verdict.Grounded() {
			return plan, verdict.Err()
		}
	}

	plan.DAG = verdict.DAG
	for i := range plan.DAG.Nodes {
		n := &plan.DAG.Nodes[i]
		if n.Inputs == nil {
			n.Inputs = map[string]string{}
		}
		n.Inputs["intent"] = in.ID
		n.Inputs["node"] = n.ID
	}
	return plan, nil
}

// discover queries the capability namespace and keeps hits that exist in the
// snapshot and declare at least one required tag.
func (p *Planner) discover(ctx context.Context, snap *registry.Snapshot, in registry.Intent, su semantic.Understanding, plan *Plan) (CandidateSet, error) {
	required := in.RequiredCapabilities
	topK := p.topK * max(1, len(required))

	query := strings.Join(append(append([]string{}, required...), su.Terms()...), " ")
	if in.Description != "" {
		query += " " + in.Description
	}

	hits, err := p.retriever.Retrieve(retrieval.WithSnapshot(ctx, snap), query, topK, retrieval.NamespaceCapability)
	if err != nil {
		p.logger.Warn("capability retrieval failed",
			slog.String("intent_id", in.ID),
			slog.Any("error", err),
		)
		plan.Anomalies = append(plan.Anomalies, "retrieval_failed: "+err.Error())
		return CandidateSet{}, nil
	}

	var ranked []Candidate
	for _, h := range hits {
		c, ok := snap.Capability(h.ID)
		if !ok {
			p.logger.Warn("retrieval returned unknown capability",
				slog.String("anomaly", "unknown_capability"),
				slog.String("capability_id", h.ID),
			)
			plan.Anomalies = append(plan.Anomalies, "unknown_capability: "+h.ID)
			continue
		}
		if len(required) > 0 && !declaresAny(c, required) {
			continue
		}
		ranked = append(ranked, Candidate{Capability: c, Relevance: h.Score})
	}
	return NewCandidateSet(ranked), nil
}

// fillRequirements gives nodes without requirements the intent tags their
// capability declares, so a drafted node cannot drop its own constraints.
func fillRequirements(dag *TaskDAG, in registry.Intent, cands CandidateSet) {
	if dag == nil {
		return
	}
	for i, n := range dag.Nodes {
		if len(n.Requires) > 0 {
			continue
		}
		c, ok := cands.Get(n.CapabilityID)
		if !ok {
			continue
		}
		dag.Nodes[i].Requires = intersect(in.RequiredCapabilities, c.Capability.Tags)
	}
}

// collapse replaces a rejected graph with one node on the best candidate.
// The node only requires the intent tags that candidate declares.
func collapse(in registry.Intent, cands CandidateSet) *TaskDAG {
	best, ok := cands.Best(in.RequiredCapabilities)
	if !ok {
		return nil
	}
	return &TaskDAG{Nodes: []TaskNode{{
		ID:           "main",
		CapabilityID: best.Capability.ID,
		Requires:     intersect(in.RequiredCapabilities, best.Capability.Tags),
	}}}
}

func declaresAny(c registry.Capability, tags []string) bool {
	for _, t := range tags {
		if c.HasTag(t) {
			return true
		}
	}
	return false
}

func intersect(a, b []string) []string {
	var out []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				out = append(out, x)
				break
			}
		}
	}
	return out
}
