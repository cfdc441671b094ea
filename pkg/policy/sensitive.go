package policy

import (
	_ "embed"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/zen-systems/routecore/pkg/registry"
	"gopkg.in/yaml.v3"
)

//go:embed sensitive_operations.yaml
var defaultPatterns []byte

// Pattern is one sensitive-operation detector.
type Pattern struct {
	ID       string             `yaml:"id"`
	Label    string             `yaml:"label"`
	Risk     registry.RiskClass `yaml:"risk"`
	Priority int                `yaml:"priority"`
	Regex    string             `yaml:"regex"`

	compiled *regexp.Regexp
}

type patternFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// Finding is a pattern match in a request.
type Finding struct {
	PatternID string             `json:"pattern_id"`
	Label     string             `json:"label"`
	Risk      registry.RiskClass `json:"risk"`
	Match     string             `json:"match"`
}

// Detector scans request text for sensitive operations.
type Detector struct {
	patterns []Pattern
}

// DefaultDetector compiles the embedded pattern catalog.
func DefaultDetector() (*Detector, error) {
	return ParseDetector(defaultPatterns)
}

// ParseDetector compiles a YAML pattern catalog and sorts it by priority.
func ParseDetector(data []byte) (*Detector, error) {
	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Patterns))
	for i := range file.Patterns {
		p := &file.Patterns[i]
		if p.ID == "" {
			return nil, fmt.Errorf("pattern %d has no id", i)
		}
		if _, dup := seen[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pattern %s", p.ID)
		}
		seen[p.ID] = struct{}{}
		if !p.Risk.Valid() {
			return nil, fmt.Errorf("pattern %s: invalid risk %q", p.ID, p.Risk)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: %w", p.ID, err)
		}
		p.compiled = re
	}
	sort.SliceStable(file.Patterns, func(i, j int) bool {
		if file.Patterns[i].Priority != file.Patterns[j].Priority {
			return file.Patterns[i].Priority > file.Patterns[j].Priority
		}
		return file.Patterns[i].ID < file.Patterns[j].ID
	})
	return &Detector{patterns: file.Patterns}, nil
}

// Scan returns every matching pattern in priority order.
func (d *Detector) Scan(text string) []Finding {
	if d == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	var out []Finding
	for _, p := range d.patterns {
		if m := p.compiled.FindString(text); m != "" {
			out = append(out, Finding{PatternID: p.ID, Label: p.Label, Risk: p.Risk, Match: strings.TrimSpace(m)})
		}
	}
	return out
}

// Assess returns the highest risk among findings, or low.
func Assess(findings []Finding) registry.RiskClass {
	risk := registry.RiskLow
	for _, f := range findings {
		risk = registry.MaxRisk(risk, f.Risk)
	}
	return risk
}
