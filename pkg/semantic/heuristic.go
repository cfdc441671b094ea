package semantic

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

// HeuristicClassifier scores a request against the lexicon. It never calls a
// model and never fails on well-formed input.
type HeuristicClassifier struct {
	rules []compiledRule
}

// NewHeuristicClassifier compiles a lexicon into a classifier. A nil lexicon
// uses the embedded default.
func NewHeuristicClassifier(lex *Lexicon) (*HeuristicClassifier, error) {
	if lex == nil {
		var err error
		lex, err = DefaultLexicon()
		if err != nil {
			return nil, err
		}
	}
	return &HeuristicClassifier{rules: lex.compile()}, nil
}

// Name identifies the classifier in merged output.
func (h *HeuristicClassifier) Name() string { return "heuristic" }

var quotedPattern = regexp.MustCompile(`"([^"]{2,64})"|'([^']{2,64})'`)

const noSignalConfidence = 0.2

// Classify extracts signals from the query.
func (h *HeuristicClassifier) Classify(ctx context.Context, in Input) (Understanding, error) {
	if err := ctx.Err(); err != nil {
		return Zero(), err
	}
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return Zero(), nil
	}
	lower := strings.ToLower(query)

	var actions, topics, entities []string
	modalities := map[Modality]bool{}
	for _, rule := range h.rules {
		if !containsTrigger(lower, rule.trigger) {
			continue
		}
		switch rule.kind {
		case ruleAction:
			actions = append(actions, rule.canonical)
		case ruleTopic:
			topics = append(topics, rule.canonical)
		case ruleEntity:
			entities = append(entities, rule.canonical)
		case ruleModality:
			modalities[Modality(rule.canonical)] = true
		}
	}
	entities = append(entities, extractNamedEntities(query)...)

	u := Understanding{
		Topics:        normalizeSet(topics),
		Entities:      normalizeSet(entities),
		ActionSignals: normalizeSet(actions),
		Modality:      pickModality(modalities),
		Sources:       []string{h.Name()},
	}
	u.Confidence = heuristicConfidence(u.Signals())
	return u, nil
}

// heuristicConfidence grows with the number of signals and saturates at five.
func heuristicConfidence(n int) float64 {
	if n == 0 {
		return noSignalConfidence
	}
	if n > 5 {
		n = 5
	}
	return 0.35 + 0.65*float64(n)/5.0
}

func pickModality(found map[Modality]bool) Modality {
	switch {
	case found[ModalityCode]:
		return ModalityCode
	case found[ModalityTabular]:
		return ModalityTabular
	default:
		return ModalityText
	}
}

// extractNamedEntities returns quoted phrases and capitalized words that do
// not start a sentence.
func extractNamedEntities(query string) []string {
	var out []string
	for _, m := range quotedPattern.FindAllStringSubmatch(query, -1) {
		if m[1] != "" {
			out = append(out, m[1])
		} else if m[2] != "" {
			out = append(out, m[2])
		}
	}

	sentenceStart := true
	for _, field := range strings.Fields(query) {
		word := strings.TrimFunc(field, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if word != "" && !sentenceStart && isProperNoun(word) {
			out = append(out, word)
		}
		sentenceStart = strings.HasSuffix(field, ".") || strings.HasSuffix(field, "?") || strings.HasSuffix(field, "!")
	}
	return out
}

func isProperNoun(word string) bool {
	runes := []rune(word)
	if len(runes) < 2 || !unicode.IsUpper(runes[0]) {
		return false
	}
	// All-caps acronyms count; mixed words need a lowercase tail.
	for _, r := range runes[1:] {
		if unicode.IsLower(r) {
			return true
		}
	}
	return len(runes) <= 6
}
