// Package memory is the asynchronous routing memory: an append-only decision
// log with similarity recall and per-capability outcome statistics.
package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/zen-systems/routecore/pkg/decision"
	"github.com/zen-systems/routecore/pkg/intent"
	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/semantic"
)

// Summary is the derived, query-free description of a decision.
type Summary struct {
	IntentID      string   `json:"intent_id"`
	Topics        []string `json:"topics,omitempty"`
	ActionSignals []string `json:"action_signals,omitempty"`
	Modality      string   `json:"modality"`
	EntityCount   int      `json:"entity_count"`
	Complexity    string   `json:"complexity"`
	Risk          string   `json:"risk"`
	Path          []string `json:"path,omitempty"`
	FallbackUsed  bool     `json:"fallback_used"`
}

// Text renders the summary for similarity search.
func (s Summary) Text() string {
	parts := []string{s.IntentID, s.Modality, s.Complexity, "risk_" + s.Risk}
	parts = append(parts, s.Topics...)
	parts = append(parts, s.ActionSignals...)
	parts = append(parts, s.Path...)
	return strings.Join(parts, " ")
}

// RouterOutput is what L1 and L2 concluded.
type RouterOutput struct {
	IntentID        string   `json:"intent_id"`
	RegistryVersion string   `json:"registry_version"`
	Confidence      float64  `json:"confidence"`
	FallbackUsed    bool     `json:"fallback_used"`
	Alternates      []string `json:"alternates,omitempty"`
}

// ChoiceRecord is one chosen node binding.
type ChoiceRecord struct {
	NodeID       string  `json:"node_id"`
	CapabilityID string  `json:"capability_id"`
	Score        float64 `json:"score"`
}

// DecisionRecord is the routing decision as logged.
type DecisionRecord struct {
	Choices          []ChoiceRecord `json:"choices,omitempty"`
	Model            string         `json:"model,omitempty"`
	Score            float64        `json:"score"`
	FallbackReason   string         `json:"fallback_reason,omitempty"`
	Blocked          bool           `json:"blocked"`
	Violations       []string       `json:"violations,omitempty"`
	ProjectedCostUSD float64        `json:"projected_cost_usd,omitempty"`
}

// NodeOutcome is the logged execution of one node.
type NodeOutcome struct {
	NodeID       string `json:"node_id"`
	CapabilityID string `json:"capability_id"`
	Status       string `json:"status"`
	LatencyMs    int64  `json:"latency_ms"`
	Attempts     int    `json:"attempts"`
	Corrected    bool   `json:"corrected,omitempty"`
}

// Succeeded reports whether the node succeeded without a correction.
func (n NodeOutcome) Succeeded() bool {
	return n.Status == "succeeded" && !n.Corrected
}

// Outcome is the logged execution result.
type Outcome struct {
	Executed  bool          `json:"executed"`
	Success   bool          `json:"success"`
	LatencyMs int64         `json:"latency_ms"`
	CostUSD   float64       `json:"cost_usd"`
	Nodes     []NodeOutcome `json:"nodes,omitempty"`
}

// DecisionLog is one immutable routing-memory record.
type DecisionLog struct {
	DecisionID string         `json:"decision_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Summary    Summary        `json:"summary"`
	Router     RouterOutput   `json:"router"`
	Decision   DecisionRecord `json:"decision"`
	Outcome    Outcome        `json:"outcome"`
}

// Summarize derives the stored summary. Entities are counted, not copied,
// so no fragment of the raw request is persisted.
func Summarize(su semantic.Understanding, mi intent.MatchedIntent, d decision.DecisionResult, risk registry.RiskClass, nodes int) Summary {
	s := Summary{
		IntentID:      mi.IntentID,
		Topics:        append([]string(nil), su.Topics...),
		ActionSignals: append([]string(nil), su.ActionSignals...),
		Modality:      string(su.Modality),
		EntityCount:   len(su.Entities),
		Risk:          string(risk),
		FallbackUsed:  d.FallbackUsed,
	}
	if s.Modality == "" {
		s.Modality = string(semantic.ModalityUnknown)
	}
	if s.Risk == "" {
		s.Risk = string(registry.RiskLow)
	}
	switch {
	case nodes == 0:
		s.Complexity = "none"
	case nodes == 1:
		s.Complexity = "single"
	default:
		s.Complexity = "composite"
	}
	if d.FallbackUsed && d.Model != "" {
		s.Path = []string{d.Model}
	}
	for _, c := range d.Choices {
		s.Path = append(s.Path, c.CapabilityID)
	}
	sort.Strings(s.Topics)
	sort.Strings(s.ActionSignals)
	return s
}

// RouterFrom records the L2 output.
func RouterFrom(mi intent.MatchedIntent) RouterOutput {
	r := RouterOutput{
		IntentID:        mi.IntentID,
		RegistryVersion: mi.RegistryVersion,
		Confidence:      mi.Confidence,
		FallbackUsed:    mi.FallbackUsed,
	}
	for _, a := range mi.Alternates {
		r.Alternates = append(r.Alternates, a.IntentID)
	}
	return r
}

// DecisionFrom records the decision engine output.
func DecisionFrom(d decision.DecisionResult) DecisionRecord {
	r := DecisionRecord{Model: d.Model, Score: d.Score, FallbackReason: d.FallbackReason}
	for _, c := range d.Choices {
		r.Choices = append(r.Choices, ChoiceRecord{NodeID: c.NodeID, CapabilityID: c.CapabilityID, Score: c.Score})
	}
	return r
}
