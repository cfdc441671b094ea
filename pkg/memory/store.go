package memory

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/zen-systems/routecore/pkg/decision"
)

// ErrNotFound is returned when a decision id is not in the store.
var ErrNotFound = errors.New("decision not found")

// Filter selects logs by exact field values. Zero fields match everything.
type Filter struct {
	IntentID     string
	CapabilityID string
	Success      *bool
	Since        time.Time
	Limit        int
}

func (f Filter) matches(l DecisionLog) bool {
	if f.IntentID != "" && l.Router.IntentID != f.IntentID {
		return false
	}
	if f.Success != nil && l.Outcome.Success != *f.Success {
		return false
	}
	if !f.Since.IsZero() && l.Timestamp.Before(f.Since) {
		return false
	}
	if f.CapabilityID != "" {
		for _, c := range l.Decision.Choices {
			if c.CapabilityID == f.CapabilityID {
				return true
			}
		}
		return false
	}
	return true
}

// Store persists decision logs.
type Store interface {
	Append(ctx context.Context, log DecisionLog) error
	Get(ctx context.Context, id string) (DecisionLog, error)
	Query(ctx context.Context, f Filter) ([]DecisionLog, error)
	CapabilityStats(ctx context.Context) (map[string]decision.Stats, error)
	Close() error
}

// tally accumulates node outcomes for one capability.
type tally struct {
	samples   int
	successes int
	latSum    float64
	latSumSq  float64
}

func (t *tally) add(n NodeOutcome) {
	t.samples++
	if n.Succeeded() {
		t.successes++
	}
	lat := float64(n.LatencyMs)
	t.latSum += lat
	t.latSumSq += lat * lat
}

// stats converts a tally. Stability is one minus the coefficient of
// variation of latency, clamped to [0, 1].
func (t tally) stats() decision.Stats {
	if t.samples == 0 {
		return decision.Stats{}
	}
	n := float64(t.samples)
	mean := t.latSum / n
	stability := 1.0
	if mean > 0 {
		variance := math.Max(0, t.latSumSq/n-mean*mean)
		stability = 1 - math.Min(1, math.Sqrt(variance)/mean)
	}
	return decision.Stats{
		Samples:        t.samples,
		SuccessHistory: float64(t.successes) / n,
		Stability:      stability,
	}
}

// MemStore is an in-process Store.
type MemStore struct {
	mu   sync.RWMutex
	logs []DecisionLog
	byID map[string]int
}

// NewMemStore creates an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

// Append adds a log. Decision ids are unique.
func (s *MemStore) Append(ctx context.Context, log DecisionLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[log.DecisionID]; dup {
		return errors.New("duplicate decision id " + log.DecisionID)
	}
	s.byID[log.DecisionID] = len(s.logs)
	s.logs = append(s.logs, log)
	return nil
}

// Get returns one log by id.
func (s *MemStore) Get(_ context.Context, id string) (DecisionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byID[id]
	if !ok {
		return DecisionLog{}, ErrNotFound
	}
	return s.logs[i], nil
}

// Query returns matching logs, newest first.
func (s *MemStore) Query(_ context.Context, f Filter) ([]DecisionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []DecisionLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if f.matches(s.logs[i]) {
			out = append(out, s.logs[i])
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
	}
	return out, nil
}

// CapabilityStats aggregates executed node outcomes per capability.
func (s *MemStore) CapabilityStats(_ context.Context) (map[string]decision.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tallies := map[string]*tally{}
	for _, l := range s.logs {
		for _, n := range l.Outcome.Nodes {
			if n.Status == "skipped" || n.Status == "refused" {
				continue
			}
			t, ok := tallies[n.CapabilityID]
			if !ok {
				t = &tally{}
				tallies[n.CapabilityID] = t
			}
			t.add(n)
		}
	}
	out := make(map[string]decision.Stats, len(tallies))
	for id, t := range tallies {
		out[id] = t.stats()
	}
	return out, nil
}

// Close is a no-op.
func (s *MemStore) Close() error { return nil }
