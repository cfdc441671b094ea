package registry

import (
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"
)

// RiskClass orders capabilities and requests by how much damage they can do.
type RiskClass string

const (
	RiskLow      RiskClass = "low"
	RiskMedium   RiskClass = "medium"
	RiskHigh     RiskClass = "high"
	RiskCritical RiskClass = "critical"
)

// Rank returns the ordinal of the risk class. Unknown classes rank as critical.
func (r RiskClass) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 3
	}
}

// Exceeds reports whether r is strictly riskier than ceiling.
func (r RiskClass) Exceeds(ceiling RiskClass) bool {
	return r.Rank() > ceiling.Rank()
}

// Valid reports whether r is one of the known risk classes.
func (r RiskClass) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return true
	}
	return false
}

// UnmarshalYAML rejects unknown risk classes.
func (r *RiskClass) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	rc := RiskClass(s)
	if !rc.Valid() {
		return fmt.Errorf("invalid risk class: %q", s)
	}
	*r = rc
	return nil
}

// MaxRisk returns the riskier of a and b.
func MaxRisk(a, b RiskClass) RiskClass {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Kind is the type of an invocable capability.
type Kind string

const (
	KindAgent Kind = "agent"
	KindTool  Kind = "tool"
	KindModel Kind = "model"
)

// Step is one node of a composite intent's plan template.
type Step struct {
	ID         string   `yaml:"id" json:"id" validate:"required"`
	Capability string   `yaml:"capability" json:"capability" validate:"required"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
}

// Intent is one published entry of the intent catalog.
type Intent struct {
	ID                   string    `yaml:"id" json:"id" validate:"required"`
	Version              string    `yaml:"version" json:"version" validate:"required"`
	Domain               string    `yaml:"domain" json:"domain" validate:"required"`
	Description          string    `yaml:"description,omitempty" json:"description,omitempty"`
	Keywords             []string  `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	RequiredCapabilities []string  `yaml:"required_capabilities,omitempty" json:"required_capabilities,omitempty"`
	Steps                []Step    `yaml:"steps,omitempty" json:"steps,omitempty" validate:"dive"`
	RiskCeiling          RiskClass `yaml:"risk_ceiling" json:"risk_ceiling" validate:"required,oneof=low medium high critical"`
	Fallback             bool      `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// Composite reports whether the intent plans more than one step.
func (i Intent) Composite() bool {
	return len(i.Steps) > 1
}

// Capability is one invocable agent, tool, or model.
type Capability struct {
	ID          string            `yaml:"id" json:"id" validate:"required"`
	Version     string            `yaml:"version" json:"version" validate:"required"`
	Kind        Kind              `yaml:"kind" json:"kind" validate:"required,oneof=agent tool model"`
	Owner       string            `yaml:"owner" json:"owner" validate:"required"`
	Tags        []string          `yaml:"tags" json:"tags" validate:"required,min=1"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Input       map[string]string `yaml:"input,omitempty" json:"input,omitempty"`
	Output      map[string]string `yaml:"output,omitempty" json:"output,omitempty"`
	Cost        float64           `yaml:"cost" json:"cost" validate:"gte=0"`
	LatencyMs   int               `yaml:"latency_ms" json:"latency_ms" validate:"gte=0"`
	RiskClass   RiskClass         `yaml:"risk_class" json:"risk_class" validate:"required,oneof=low medium high critical"`
	Adapter     string            `yaml:"adapter,omitempty" json:"adapter,omitempty"`
	Model       string            `yaml:"model,omitempty" json:"model,omitempty"`
}

// HasTag reports whether the capability declares tag.
func (c Capability) HasTag(tag string) bool {
	return slices.Contains(c.Tags, tag)
}

// Covers reports whether the capability declares every tag in tags.
func (c Capability) Covers(tags []string) bool {
	for _, tag := range tags {
		if !c.HasTag(tag) {
			return false
		}
	}
	return true
}

// Catalog is the on-disk form of a registry version.
type Catalog struct {
	Version        string       `yaml:"version" json:"version" validate:"required"`
	FallbackIntent string       `yaml:"fallback_intent" json:"fallback_intent" validate:"required"`
	FallbackModel  string       `yaml:"fallback_model,omitempty" json:"fallback_model,omitempty"`
	Intents        []Intent     `yaml:"intents" json:"intents" validate:"required,min=1,dive"`
	Capabilities   []Capability `yaml:"capabilities" json:"capabilities" validate:"dive"`
}
