// Package policy is the deterministic gate every planned node passes before
// it may execute. No model is consulted here.
package policy

import (
	"context"
	"log/slog"
	"strings"

	"github.com/zen-systems/routecore/pkg/planner"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
)

// Rule names reported in violations.
const (
	RulePermission        = "permission"
	RulePermissionError   = "permission_unavailable"
	RuleUnknownCapability = "unknown_capability"
	RuleRiskCeiling       = "risk_ceiling"
	RuleElevatedApproval  = "elevated_approval"
	RuleBudget            = "budget"
	RuleDomainUnavailable = "domain_rules_unavailable"
)

// ApprovalElevated is the constraint value that satisfies approval gates.
const ApprovalElevated = "elevated"

// Violation describes one failed check.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"` // "error" blocks; "warning" is informational
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// PolicyResult is the verdict for one node.
type PolicyResult struct {
	NodeID       string             `json:"node_id"`
	CapabilityID string             `json:"capability_id"`
	Valid        bool               `json:"valid"`
	RiskLevel    registry.RiskClass `json:"risk_level"`
	Violations   []Violation        `json:"violations,omitempty"`
	Constraints  []string           `json:"constraints_applied,omitempty"`
	Findings     []Finding          `json:"findings,omitempty"`
}

func (r *PolicyResult) violate(rule, message, suggestion string) {
	r.Valid = false
	r.Violations = append(r.Violations, Violation{Rule: rule, Severity: "error", Message: message, Suggestion: suggestion})
}

// CheckContext carries the request state the checks need.
type CheckContext struct {
	Snapshot    *registry.Snapshot
	Intent      registry.Intent
	Query       string
	Constraints map[string]string
	Budget      *Budget
}

func (c CheckContext) approved(key string) bool {
	return strings.EqualFold(strings.TrimSpace(c.Constraints[key]), ApprovalElevated)
}

// Engine evaluates the four ordered checks.
type Engine struct {
	permissions PermissionChecker
	detector    *Detector
	retriever   retrieval.Retriever
	approvalKey string
	topK        int
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDetector replaces the embedded sensitive-operation patterns.
func WithDetector(d *Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

// WithRetriever enables domain constraints from the policy namespace.
func WithRetriever(r retrieval.Retriever) Option {
	return func(e *Engine) { e.retriever = r }
}

// WithApprovalKey sets the constraint key read for elevated approval.
func WithApprovalKey(key string) Option {
	return func(e *Engine) {
		if key != "" {
			e.approvalKey = key
		}
	}
}

// WithTopK sets how many domain rules are retrieved per node.
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a policy engine. The permission checker is required.
func NewEngine(perms PermissionChecker, opts ...Option) (*Engine, error) {
	det, err := DefaultDetector()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		permissions: perms,
		detector:    det,
		approvalKey: "approval",
		topK:        5,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Assess returns the sensitive-operation findings of a request.
func (e *Engine) Assess(query string) []Finding {
	return e.detector.Scan(query)
}

// Check runs permission, risk, cost and domain checks for one node. Every
// failing check appends a violation; the result is valid only when none did.
func (e *Engine) Check(ctx context.Context, node planner.TaskNode, actor Actor, cctx CheckContext) PolicyResult {
	res := PolicyResult{NodeID: node.ID, CapabilityID: node.CapabilityID, Valid: true, RiskLevel: registry.RiskCritical}

	var capability registry.Capability
	var ok bool
	if cctx.Snapshot != nil {
		capability, ok = cctx.Snapshot.Capability(node.CapabilityID)
	}
	if !ok {
		res.violate(RuleUnknownCapability, "capability "+node.CapabilityID+" is not in the registry", "")
		return res
	}

	// 1. permission
	allowed, err := e.permissions.CheckPermission(ctx, actor, ActionInvoke, capability)
	switch {
	case err != nil:
		e.logger.Warn("permission check failed; denying",
			slog.String("node_id", node.ID),
			slog.String("capability_id", capability.ID),
			slog.Any("error", err),
		)
		res.violate(RulePermissionError, "permission check failed: "+err.Error(), "")
	case !allowed:
		res.violate(RulePermission, "actor may not invoke "+capability.ID, "request a role that covers "+string(capability.Kind)+" capabilities")
	}

	// 2. risk
	res.Findings = e.detector.Scan(cctx.Query)
	res.RiskLevel = registry.MaxRisk(capability.RiskClass, Assess(res.Findings))
	approved := cctx.approved(e.approvalKey)
	if cctx.Intent.RiskCeiling != "" && res.RiskLevel.Exceeds(cctx.Intent.RiskCeiling) {
		res.violate(RuleRiskCeiling, "risk "+string(res.RiskLevel)+" exceeds the "+string(cctx.Intent.RiskCeiling)+" ceiling of intent "+cctx.Intent.ID, "")
	}
	if res.RiskLevel.Rank() >= registry.RiskHigh.Rank() {
		if approved {
			res.Constraints = append(res.Constraints, RuleElevatedApproval)
		} else {
			res.violate(RuleElevatedApproval, string(res.RiskLevel)+" risk requires elevated approval"+describeFindings(res.Findings), "set constraint "+e.approvalKey+"="+ApprovalElevated)
		}
	}

	// 3. cost
	if cctx.Budget != nil {
		if err := cctx.Budget.Reserve(capability.ID, capability.Cost); err != nil {
			res.violate(RuleBudget, err.Error(), "")
		} else {
			res.Constraints = append(res.Constraints, RuleBudget)
		}
	}

	// 4. domain constraints
	e.checkDomain(ctx, &res, capability, cctx, approved)

	return res
}

func (e *Engine) checkDomain(ctx context.Context, res *PolicyResult, c registry.Capability, cctx CheckContext, approved bool) {
	if e.retriever == nil {
		return
	}
	query := strings.Join(append([]string{cctx.Query, c.ID}, c.Tags...), " ")
	hits, err := e.retriever.Retrieve(ctx, query, e.topK, retrieval.NamespacePolicy)
	if err != nil {
		e.logger.Warn("domain rule retrieval failed",
			slog.String("node_id", res.NodeID),
			slog.String("risk", string(res.RiskLevel)),
			slog.Any("error", err),
		)
		if res.RiskLevel.Rank() >= registry.RiskHigh.Rank() {
			res.violate(RuleDomainUnavailable, "domain constraints unavailable for a "+string(res.RiskLevel)+" risk node", "")
		}
		return
	}
	for _, h := range hits {
		rule, ok := ruleFromHit(h)
		if !ok || !rule.Applies(c, res.RiskLevel) {
			continue
		}
		switch rule.Effect {
		case EffectDeny:
			res.violate(rule.ID, rule.Text, "")
		case EffectRequireApproval:
			if approved {
				res.Constraints = append(res.Constraints, rule.ID)
			} else {
				res.violate(rule.ID, rule.Text, "set constraint "+e.approvalKey+"="+ApprovalElevated)
			}
		}
	}
}

func describeFindings(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	labels := make([]string, 0, len(findings))
	for _, f := range findings {
		labels = append(labels, f.Label)
	}
	return " (" + strings.Join(labels, ", ") + ")"
}

// CheckPlan checks every node of dag and reports whether all passed.
func (e *Engine) CheckPlan(ctx context.Context, dag *planner.TaskDAG, actor Actor, cctx CheckContext) ([]PolicyResult, bool) {
	if dag == nil {
		return nil, false
	}
	results := make([]PolicyResult, 0, dag.Len())
	allValid := true
	for _, n := range dag.Nodes {
		r := e.Check(ctx, n, actor, cctx)
		if !r.Valid {
			allValid = false
		}
		results = append(results, r)
	}
	return results, allValid
}
