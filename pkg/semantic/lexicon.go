package semantic

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed lexicon.yaml
var defaultLexicon []byte

// Lexicon maps canonical terms to the phrases that signal them.
type Lexicon struct {
	Actions  map[string][]string `yaml:"actions"`
	Topics   map[string][]string `yaml:"topics"`
	Entities map[string][]string `yaml:"entities"`
	Modality map[string][]string `yaml:"modality"`
}

// DefaultLexicon returns the embedded lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(defaultLexicon)
}

// ParseLexicon decodes a lexicon from YAML.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("parse lexicon: %w", err)
	}
	for m := range lex.Modality {
		if !Modality(m).valid() {
			return nil, fmt.Errorf("parse lexicon: unknown modality %q", m)
		}
	}
	return &lex, nil
}

type ruleKind int

const (
	ruleAction ruleKind = iota
	ruleTopic
	ruleEntity
	ruleModality
)

type compiledRule struct {
	kind      ruleKind
	canonical string
	trigger   string
}

// compile flattens the lexicon into rules ordered by trigger length (longest
// first) so that multi-word phrases are reported before their parts.
func (l *Lexicon) compile() []compiledRule {
	var rules []compiledRule
	add := func(kind ruleKind, m map[string][]string) {
		for canonical, triggers := range m {
			for _, trig := range triggers {
				trig = strings.ToLower(trig)
				if strings.TrimSpace(trig) == "" {
					continue
				}
				rules = append(rules, compiledRule{kind: kind, canonical: strings.ToLower(canonical), trigger: trig})
			}
		}
	}
	add(ruleAction, l.Actions)
	add(ruleTopic, l.Topics)
	add(ruleEntity, l.Entities)
	add(ruleModality, l.Modality)

	sort.Slice(rules, func(i, j int) bool {
		if len(rules[i].trigger) != len(rules[j].trigger) {
			return len(rules[i].trigger) > len(rules[j].trigger)
		}
		if rules[i].trigger != rules[j].trigger {
			return rules[i].trigger < rules[j].trigger
		}
		if rules[i].kind != rules[j].kind {
			return rules[i].kind < rules[j].kind
		}
		return rules[i].canonical < rules[j].canonical
	})
	return rules
}

// containsTrigger checks if the text contains the trigger phrase on word
// boundaries. Boundaries are only enforced on trigger edges that are word
// characters, so punctuation triggers such as "```" still match.
func containsTrigger(text, trigger string) bool {
	if trigger == "" {
		return false
	}
	checkBefore := isWordChar(trigger[0])
	checkAfter := isWordChar(trigger[len(trigger)-1])

	for offset := 0; offset < len(text); {
		idx := strings.Index(text[offset:], trigger)
		if idx == -1 {
			return false
		}
		idx += offset
		end := idx + len(trigger)

		ok := true
		if checkBefore && idx > 0 && isWordChar(text[idx-1]) {
			ok = false
		}
		if checkAfter && end < len(text) && isWordChar(text[end]) {
			ok = false
		}
		if ok {
			return true
		}
		offset = idx + 1
	}
	return false
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
