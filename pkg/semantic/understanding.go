// Package semantic turns raw requests into an intent-free structured
// description: topics, entities, action signals, modality and confidence.
package semantic

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// ErrParse marks classifier output that was malformed or violated the
// understanding schema.
var ErrParse = errors.New("classification output could not be parsed")

// ErrRateLimited is returned when a classifier is over its call budget.
var ErrRateLimited = errors.New("classifier rate limited")

// Modality is the dominant content type of a request.
type Modality string

const (
	ModalityText    Modality = "text"
	ModalityCode    Modality = "code"
	ModalityTabular Modality = "tabular"
	ModalityUnknown Modality = "unknown"
)

func (m Modality) valid() bool {
	switch m {
	case ModalityText, ModalityCode, ModalityTabular, ModalityUnknown:
		return true
	}
	return false
}

// Understanding is the L1 output. It never names an intent or a capability.
// Term slices are sorted and free of duplicates.
type Understanding struct {
	Topics        []string `json:"topics"`
	Entities      []string `json:"entities"`
	ActionSignals []string `json:"action_signals"`
	Modality      Modality `json:"modality"`
	Confidence    float64  `json:"confidence"`
	// Sources lists the classifiers whose output was merged.
	Sources []string `json:"sources,omitempty"`
}

// Zero returns the empty, zero-confidence understanding.
func Zero() Understanding {
	return Understanding{
		Topics:        []string{},
		Entities:      []string{},
		ActionSignals: []string{},
		Modality:      ModalityUnknown,
		Confidence:    0,
	}
}

// IsZero reports whether u carries no signal at all.
func (u Understanding) IsZero() bool {
	return len(u.Topics) == 0 && len(u.Entities) == 0 && len(u.ActionSignals) == 0 && u.Confidence == 0
}

// Signals returns the number of terms across all sets.
func (u Understanding) Signals() int {
	return len(u.Topics) + len(u.Entities) + len(u.ActionSignals)
}

// Terms returns the sorted union of topics, entities and action signals.
func (u Understanding) Terms() []string {
	out := make([]string, 0, u.Signals())
	out = append(out, u.Topics...)
	out = append(out, u.Entities...)
	out = append(out, u.ActionSignals...)
	return normalizeSet(out)
}

// Input is what L1 receives for one request.
type Input struct {
	Query       string
	Session     map[string]string
	Constraints map[string]string
}

// Classifier produces an understanding from one input.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, in Input) (Understanding, error)
}

const (
	maxTerms   = 16
	maxTermLen = 64
)

// normalizeSet lowercases, trims, dedupes and sorts terms.
func normalizeSet(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || len(t) > maxTermLen {
			continue
		}
		out = append(out, t)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > maxTerms {
		out = out[:maxTerms]
	}
	return out
}
