package memory

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Match is one recall hit.
type Match struct {
	DecisionID string  `json:"decision_id"`
	Score      float64 `json:"score"`
}

type termVector struct {
	terms map[string]float64
	norm  float64
}

func vectorize(text string) termVector {
	v := termVector{terms: map[string]float64{}}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-'
	})
	for _, f := range fields {
		v.terms[f]++
	}
	for _, w := range v.terms {
		v.norm += w * w
	}
	v.norm = math.Sqrt(v.norm)
	return v
}

func cosine(a, b termVector) float64 {
	if a.norm == 0 || b.norm == 0 {
		return 0
	}
	if len(a.terms) > len(b.terms) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a.terms {
		dot += w * b.terms[t]
	}
	return dot / (a.norm * b.norm)
}

// SimilarityIndex is a bounded in-memory term-vector index over decision
// summaries. The oldest entries are evicted first.
type SimilarityIndex struct {
	mu      sync.RWMutex
	limit   int
	order   []string
	vectors map[string]termVector
}

// NewSimilarityIndex creates an index holding at most limit entries.
func NewSimilarityIndex(limit int) *SimilarityIndex {
	if limit <= 0 {
		limit = 10000
	}
	return &SimilarityIndex{limit: limit, vectors: map[string]termVector{}}
}

// Add indexes text under id.
func (x *SimilarityIndex) Add(id, text string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.vectors[id]; !ok {
		x.order = append(x.order, id)
	}
	x.vectors[id] = vectorize(text)
	for len(x.order) > x.limit {
		delete(x.vectors, x.order[0])
		x.order = x.order[1:]
	}
}

// Len returns the number of indexed entries.
func (x *SimilarityIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

// Search returns up to k entries with positive similarity, best first.
func (x *SimilarityIndex) Search(text string, k int) []Match {
	probe := vectorize(text)
	x.mu.RLock()
	var out []Match
	for id, v := range x.vectors {
		if s := cosine(probe, v); s > 0 {
			out = append(out, Match{DecisionID: id, Score: s})
		}
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
