package planner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zen-systems/routecore/pkg/adapter"
	"github.com/zen-systems/routecore/pkg/registry"
)

// Proposal is what a proposer sees: the matched intent and the grounded
// candidate set.
type Proposal struct {
	Intent     registry.Intent
	Candidates CandidateSet
	Terms      []string
}

// Proposer drafts a task graph. Its output is always validated afterwards.
type Proposer interface {
	Name() string
	Propose(ctx context.Context, p Proposal) (*TaskDAG, error)
}

// TemplateProposer builds graphs from the intent's step template, or a single
// node when the intent has none.
type TemplateProposer struct{}

// Name identifies the proposer.
func (TemplateProposer) Name() string { return "template" }

// Propose binds each step to the best candidate declaring its tag.
func (TemplateProposer) Propose(_ context.Context, p Proposal) (*TaskDAG, error) {
	if p.Candidates.Len() == 0 {
		return nil, errors.New("no candidates")
	}
	if len(p.Intent.Steps) == 0 {
		best, _ := p.Candidates.Best(p.Intent.RequiredCapabilities)
		return &TaskDAG{Nodes: []TaskNode{{
			ID:           "main",
			CapabilityID: best.Capability.ID,
			Requires:     append([]string(nil), p.Intent.RequiredCapabilities...),
		}}}, nil
	}

	dag := &TaskDAG{}
	for _, st := range p.Intent.Steps {
		requires := []string{st.Capability}
		node := TaskNode{
			ID:        st.ID,
			Requires:  requires,
			DependsOn: append([]string(nil), st.DependsOn...),
		}
		if matches := p.Candidates.Covering(requires); len(matches) > 0 {
			node.CapabilityID = matches[0].Capability.ID
		}
		dag.Nodes = append(dag.Nodes, node)
	}
	return dag, nil
}

// ModelProposer asks a model to draft the graph. Anything it returns is
// subject to Validate, so invented capabilities are rejected there.
type ModelProposer struct {
	adapter adapter.Adapter
	model   string
}

// NewModelProposer creates a model-backed proposer.
func NewModelProposer(a adapter.Adapter, model string) *ModelProposer {
	return &ModelProposer{adapter: a, model: model}
}

// Name identifies the proposer.
func (m *ModelProposer) Name() string { return "model:" + m.adapter.Name() + "/" + m.model }

// Propose sends the planning prompt and parses the reply.
func (m *ModelProposer) Propose(ctx context.Context, p Proposal) (*TaskDAG, error) {
	resp, err := m.adapter.Generate(ctx, m.model, buildPlanPrompt(p))
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}
	if resp == nil {
		return nil, errors.New("planner returned empty response")
	}
	return parsePlanResponse(resp.Content)
}

func buildPlanPrompt(p Proposal) string {
	var sb strings.Builder
	sb.WriteString("You are a task planner. Build a dependency graph using ONLY the listed capabilities.\n")
	sb.WriteString("Return ONLY JSON: {\"nodes\":[{\"node_id\":\"...\",\"capability_id\":\"...\",\"requires\":[\"tag\"],\"depends_on\":[\"node_id\"]}]}.\n\n")
	sb.WriteString(fmt.Sprintf("Intent: %s (%s)\n", p.Intent.ID, p.Intent.Description))
	if len(p.Intent.RequiredCapabilities) > 0 {
		sb.WriteString(fmt.Sprintf("Required tags: %s\n", strings.Join(p.Intent.RequiredCapabilities, ", ")))
	}
	if len(p.Terms) > 0 {
		sb.WriteString(fmt.Sprintf("Request terms: %s\n", strings.Join(p.Terms, ", ")))
	}
	sb.WriteString("\nCapabilities:\n")
	for _, c := range p.Candidates.Ranked() {
		sb.WriteString(fmt.Sprintf("- %s (tags: %s)\n", c.Capability.ID, strings.Join(c.Capability.Tags, ", ")))
	}
	return sb.String()
}

func parsePlanResponse(content string) (*TaskDAG, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	if !gjson.Valid(content) {
		return nil, errors.New("planner output is not valid JSON")
	}
	nodes := gjson.Get(content, "nodes")
	if !nodes.IsArray() {
		return nil, errors.New("planner output has no nodes array")
	}

	dag := &TaskDAG{}
	for _, n := range nodes.Array() {
		node := TaskNode{
			ID:           n.Get("node_id").String(),
			CapabilityID: n.Get("capability_id").String(),
		}
		for _, r := range n.Get("requires").Array() {
			node.Requires = append(node.Requires, r.String())
		}
		for _, d := range n.Get("depends_on").Array() {
			node.DependsOn = append(node.DependsOn, d.String())
		}
		dag.Nodes = append(dag.Nodes, node)
	}
	return dag, nil
}
