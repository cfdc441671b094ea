// Package intent maps an understanding onto the published intent catalog.
package intent

import (
	"fmt"
	"sort"

	"github.com/zen-systems/routecore/pkg/registry"
	"github.com/zen-systems/routecore/pkg/semantic"
)

// DefaultThreshold is the minimum coverage score for a match.
const DefaultThreshold = 0.25

// maxAlternates bounds the ranked alternates kept for the decision record.
const maxAlternates = 3

// Scored is one intent with its coverage score.
type Scored struct {
	IntentID string   `json:"intent_id"`
	Score    float64  `json:"score"`
	Matched  []string `json:"matched,omitempty"`
}

// MatchedIntent is the L2 output.
type MatchedIntent struct {
	IntentID        string   `json:"intent_id"`
	RegistryVersion string   `json:"registry_version"`
	Confidence      float64  `json:"confidence"`
	Score           float64  `json:"score"`
	FallbackUsed    bool     `json:"fallback_used"`
	Alternates      []Scored `json:"alternates,omitempty"`
	Reasons         []string `json:"reasons,omitempty"`
}

// Matcher scores understandings against intent keywords.
type Matcher struct {
	threshold float64
}

// NewMatcher creates a matcher. A non-positive threshold uses DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold}
}

// Match selects the highest-coverage intent above the threshold, or the
// snapshot's fallback intent. The snapshot is only read.
func (m *Matcher) Match(snap *registry.Snapshot, su semantic.Understanding) MatchedIntent {
	terms := su.Terms()
	termSet := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		termSet[t] = struct{}{}
	}

	var scored []Scored
	for _, in := range snap.Intents() {
		if in.Fallback || len(in.Keywords) == 0 {
			continue
		}
		s := coverage(in.Keywords, termSet)
		if s.Score > 0 {
			s.IntentID = in.ID
			scored = append(scored, s)
		}
	}

	// Intents arrive sorted by id, so the stable sort breaks score ties by id.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	fallback := snap.FallbackIntent()
	if len(scored) == 0 || scored[0].Score < m.threshold {
		top := 0.0
		if len(scored) > 0 {
			top = scored[0].Score
		}
		return MatchedIntent{
			IntentID:        fallback.ID,
			RegistryVersion: snap.String(),
			Confidence:      0.2 * su.Confidence,
			Score:           top,
			FallbackUsed:    true,
			Alternates:      trimAlternates(scored),
			Reasons:         []string{fmt.Sprintf("no intent cleared threshold %.2f (top=%.3f)", m.threshold, top)},
		}
	}

	top := scored[0].Score
	second := 0.0
	if len(scored) > 1 {
		second = scored[1].Score
	}
	margin := (top - second) / top
	confidence := clamp01(0.5*top + 0.3*margin + 0.2*su.Confidence)

	return MatchedIntent{
		IntentID:        scored[0].IntentID,
		RegistryVersion: snap.String(),
		Confidence:      confidence,
		Score:           top,
		Alternates:      trimAlternates(scored[1:]),
		Reasons: []string{
			fmt.Sprintf("top=%.3f second=%.3f margin=%.3f", top, second, margin),
			fmt.Sprintf("matched=%v", scored[0].Matched),
		},
	}
}

// coverage blends how much of the intent's vocabulary was seen with how much
// of the request's vocabulary the intent explains.
func coverage(keywords []string, terms map[string]struct{}) Scored {
	var matched []string
	for _, k := range keywords {
		if _, ok := terms[k]; ok {
			matched = append(matched, k)
		}
	}
	if len(matched) == 0 || len(terms) == 0 {
		return Scored{}
	}
	hits := float64(len(matched))
	score := 0.6*hits/float64(len(keywords)) + 0.4*hits/float64(len(terms))
	sort.Strings(matched)
	return Scored{Score: score, Matched: matched}
}

func trimAlternates(s []Scored) []Scored {
	if len(s) > maxAlternates {
		s = s[:maxAlternates]
	}
	if len(s) == 0 {
		return nil
	}
	out := make([]Scored, len(s))
	copy(out, s)
	return out
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
