package planner

import (
	"errors"
	"fmt"

	"github.com/zen-systems/routecore/pkg/registry"
)

// RejectReason classifies why a plan failed validation.
type RejectReason string

const (
	RejectEmpty                RejectReason = "empty"
	RejectTooManyNodes         RejectReason = "too_many_nodes"
	RejectDuplicateNode        RejectReason = "duplicate_node"
	RejectUnknownDependency    RejectReason = "unknown_dependency"
	RejectUngroundedCapability RejectReason = "ungrounded_capability"
	RejectCycle                RejectReason = "cycle"
)

// Verdict is the result of Validate: either Grounded with the accepted graph
// or Rejected with a reason.
type Verdict struct {
	DAG    *TaskDAG
	Reason RejectReason
	Detail string
}

// Grounded reports whether the graph was accepted.
func (v Verdict) Grounded() bool { return v.Reason == "" && v.DAG != nil }

// Err returns the rejection as an error, or nil.
func (v Verdict) Err() error {
	if v.Grounded() {
		return nil
	}
	return fmt.Errorf("plan rejected (%s): %s", v.Reason, v.Detail)
}

func grounded(d *TaskDAG) Verdict { return Verdict{DAG: d} }

func rejected(reason RejectReason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Candidate is one grounded member of the retrieval set C. Relevance is the
// retrieval score.
type Candidate struct {
	Capability registry.Capability
	Relevance  float64
}

// CandidateSet is the ranked, grounded retrieval result for one request.
type CandidateSet struct {
	ranked []Candidate
	byID   map[string]int
}

// NewCandidateSet indexes ranked candidates. Later duplicates are ignored.
func NewCandidateSet(ranked []Candidate) CandidateSet {
	cs := CandidateSet{byID: make(map[string]int, len(ranked))}
	for _, c := range ranked {
		if _, dup := cs.byID[c.Capability.ID]; dup {
			continue
		}
		cs.byID[c.Capability.ID] = len(cs.ranked)
		cs.ranked = append(cs.ranked, c)
	}
	return cs
}

// Contains reports whether id is in C.
func (c CandidateSet) Contains(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Get returns the candidate with id.
func (c CandidateSet) Get(id string) (Candidate, bool) {
	idx, ok := c.byID[id]
	if !ok {
		return Candidate{}, false
	}
	return c.ranked[idx], true
}

// Len returns |C|.
func (c CandidateSet) Len() int { return len(c.ranked) }

// Ranked returns the candidates in rank order.
func (c CandidateSet) Ranked() []Candidate { return c.ranked }

// IDs returns candidate ids in rank order.
func (c CandidateSet) IDs() []string {
	out := make([]string, len(c.ranked))
	for i, cand := range c.ranked {
		out[i] = cand.Capability.ID
	}
	return out
}

// Covering returns candidates declaring every tag, in rank order.
func (c CandidateSet) Covering(tags []string) []Candidate {
	var out []Candidate
	for _, cand := range c.ranked {
		if cand.Capability.Covers(tags) {
			out = append(out, cand)
		}
	}
	return out
}

// Best returns the highest-ranked candidate covering every tag, or the top
// candidate when none covers them all.
func (c CandidateSet) Best(tags []string) (Candidate, bool) {
	if len(c.ranked) == 0 {
		return Candidate{}, false
	}
	for _, cand := range c.ranked {
		if cand.Capability.Covers(tags) {
			return cand, true
		}
	}
	return c.ranked[0], true
}

// Validate is the grounding boundary: it accepts a graph only if it is
// non-empty, within maxNodes, has unique node ids and resolvable
// dependencies, references only capabilities in C, and is acyclic. It does
// not trust whoever produced the graph.
func Validate(dag *TaskDAG, c CandidateSet, maxNodes int) Verdict {
	if dag == nil || len(dag.Nodes) == 0 {
		return rejected(RejectEmpty, "no nodes")
	}
	if maxNodes > 0 && len(dag.Nodes) > maxNodes {
		return rejected(RejectTooManyNodes, "%d nodes exceeds limit %d", len(dag.Nodes), maxNodes)
	}
	ids := make(map[string]struct{}, len(dag.Nodes))
	for _, n := range dag.Nodes {
		if n.ID == "" {
			return rejected(RejectDuplicateNode, "node without id")
		}
		if _, dup := ids[n.ID]; dup {
			return rejected(RejectDuplicateNode, "node %s appears twice", n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for _, n := range dag.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := ids[dep]; !ok {
				return rejected(RejectUnknownDependency, "node %s depends on unknown node %s", n.ID, dep)
			}
		}
	}
	for _, n := range dag.Nodes {
		if !c.Contains(n.CapabilityID) {
			return rejected(RejectUngroundedCapability, "node %s references %q outside the retrieved set", n.ID, n.CapabilityID)
		}
	}
	if _, err := dag.TopoOrder(); err != nil {
		if errors.Is(err, ErrCycle) {
			return rejected(RejectCycle, "%v", err)
		}
		return rejected(RejectUnknownDependency, "%v", err)
	}
	return grounded(dag)
}
