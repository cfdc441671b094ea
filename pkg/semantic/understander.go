package semantic

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Member is one weighted classifier in the ensemble.
type Member struct {
	Classifier Classifier
	Weight     float64
}

// Understander runs the classifier ensemble and merges the results.
type Understander struct {
	members []Member
	logger  *slog.Logger
}

// NewUnderstander creates an ensemble. Members with a non-positive weight
// are dropped.
func NewUnderstander(logger *slog.Logger, members ...Member) *Understander {
	if logger == nil {
		logger = slog.Default()
	}
	u := &Understander{logger: logger}
	for _, m := range members {
		if m.Classifier != nil && m.Weight > 0 {
			u.members = append(u.members, m)
		}
	}
	return u
}

type memberResult struct {
	understanding Understanding
	weight        float64
	ok            bool
}

// Understand classifies the input with every member in parallel. Failed
// members are excluded from the merge; if none succeed the zero
// understanding is returned. The merge is deterministic for identical member
// outputs regardless of completion order.
func (u *Understander) Understand(ctx context.Context, in Input) Understanding {
	if len(u.members) == 0 {
		return Zero()
	}

	results := make([]memberResult, len(u.members))
	var g errgroup.Group
	for i, m := range u.members {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					u.logger.Error("classifier panicked; excluded from merge",
						slog.String("classifier", m.Classifier.Name()),
						slog.Any("panic", r),
					)
				}
			}()
			res, err := m.Classifier.Classify(ctx, in)
			if err != nil {
				u.logger.Warn("classifier failed; excluded from merge",
					slog.String("classifier", m.Classifier.Name()),
					slog.Any("error", err),
				)
				return nil
			}
			results[i] = memberResult{understanding: res, weight: m.Weight, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		u.logger.Warn("understanding budget exhausted", slog.Any("error", ctx.Err()))
		return Zero()
	}
	return merge(results)
}

// merge keeps every term backed by at least half of the successful weight,
// picks the modality with the largest weight (ties by name), and averages
// confidence by weight.
func merge(results []memberResult) Understanding {
	var total float64
	var ok []memberResult
	for _, r := range results {
		if r.ok {
			ok = append(ok, r)
			total += r.weight
		}
	}
	if len(ok) == 0 || total <= 0 {
		return Zero()
	}
	if len(ok) == 1 {
		return ok[0].understanding
	}

	vote := func(pick func(Understanding) []string) []string {
		weights := map[string]float64{}
		for _, r := range ok {
			for _, term := range pick(r.understanding) {
				weights[term] += r.weight
			}
		}
		var out []string
		for term, w := range weights {
			if w*2 >= total {
				out = append(out, term)
			}
		}
		return normalizeSet(out)
	}

	modalityWeights := map[Modality]float64{}
	var confidence float64
	var sources []string
	for _, r := range ok {
		if r.understanding.Modality != ModalityUnknown {
			modalityWeights[r.understanding.Modality] += r.weight
		}
		confidence += r.weight * r.understanding.Confidence
		sources = append(sources, r.understanding.Sources...)
	}
	sort.Strings(sources)

	modality := ModalityUnknown
	best := 0.0
	for _, m := range []Modality{ModalityCode, ModalityTabular, ModalityText} {
		if w := modalityWeights[m]; w > best {
			best = w
			modality = m
		}
	}

	return Understanding{
		Topics:        vote(func(u Understanding) []string { return u.Topics }),
		Entities:      vote(func(u Understanding) []string { return u.Entities }),
		ActionSignals: vote(func(u Understanding) []string { return u.ActionSignals }),
		Modality:      modality,
		Confidence:    confidence / total,
		Sources:       sources,
	}
}
