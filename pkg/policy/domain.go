package policy

import (
	_ "embed"
	"fmt"
	"slices"
	"strings"

	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/retrieval"
	"gopkg.in/yaml.v3"
)

//go:embed domain_rules.yaml
var defaultRules []byte

// Effect is what a domain rule does when it applies.
type Effect string

const (
	EffectDeny            Effect = "deny"
	EffectRequireApproval Effect = "require_approval"
)

// Rule is a domain constraint stored in the policy namespace.
type Rule struct {
	ID        string             `yaml:"id"`
	Effect    Effect             `yaml:"effect"`
	AppliesTo []string           `yaml:"applies_to"`
	MinRisk   registry.RiskClass `yaml:"min_risk"`
	Text      string             `yaml:"text"`
}

// DefaultRules returns the embedded domain rules.
func DefaultRules() ([]Rule, error) {
	return ParseRules(defaultRules)
}

// ParseRules decodes and checks a YAML rule set.
func ParseRules(data []byte) ([]Rule, error) {
	var file struct {
		Rules []Rule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse domain rules: %w", err)
	}
	for i := range file.Rules {
		r := &file.Rules[i]
		if r.MinRisk == "" {
			r.MinRisk = registry.RiskLow
		}
		if r.ID == "" {
			return nil, fmt.Errorf("domain rule without id")
		}
		if r.Effect != EffectDeny && r.Effect != EffectRequireApproval {
			return nil, fmt.Errorf("domain rule %s: invalid effect %q", r.ID, r.Effect)
		}
		if len(r.AppliesTo) == 0 {
			return nil, fmt.Errorf("domain rule %s: applies_to is empty", r.ID)
		}
	}
	return file.Rules, nil
}

// RuleDocuments renders rules for indexing in the policy namespace.
func RuleDocuments(rules []Rule) []retrieval.Document {
	docs := make([]retrieval.Document, 0, len(rules))
	for _, r := range rules {
		docs = append(docs, retrieval.Document{
			ID:   r.ID,
			Text: r.Text + " " + strings.Join(r.AppliesTo, " "),
			Descriptor: map[string]string{
				"effect":     string(r.Effect),
				"applies_to": strings.Join(r.AppliesTo, ","),
				"min_risk":   string(r.MinRisk),
				"message":    r.Text,
			},
		})
	}
	return docs
}

// ruleFromHit rebuilds a rule from retrieval metadata. Hits without a known
// effect are not rules.
func ruleFromHit(h retrieval.Hit) (Rule, bool) {
	effect := Effect(h.Descriptor["effect"])
	if effect != EffectDeny && effect != EffectRequireApproval {
		return Rule{}, false
	}
	r := Rule{
		ID:      h.ID,
		Effect:  effect,
		MinRisk: registry.RiskClass(h.Descriptor["min_risk"]),
		Text:    h.Descriptor["message"],
	}
	if !r.MinRisk.Valid() {
		r.MinRisk = registry.RiskLow
	}
	for _, t := range strings.Split(h.Descriptor["applies_to"], ",") {
		if t = strings.TrimSpace(t); t != "" {
			r.AppliesTo = append(r.AppliesTo, t)
		}
	}
	return r, len(r.AppliesTo) > 0
}

// Applies reports whether the rule covers capability c at the given risk.
func (r Rule) Applies(c registry.Capability, risk registry.RiskClass) bool {
	if r.MinRisk.Exceeds(risk) {
		return false
	}
	for _, target := range r.AppliesTo {
		if target == "*" || target == c.ID || slices.Contains(c.Tags, target) {
			return true
		}
	}
	return false
}
