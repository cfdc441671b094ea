package retrieval

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/zen-systems/routecore/pkg/registry"
)

// LexicalRetriever ranks documents by term overlap. The capability namespace
// is derived from the snapshot pinned on the context, or the current one when
// none is pinned; other namespaces are populated with Index.
type LexicalRetriever struct {
	snapshots func() *registry.Snapshot

	mu       sync.RWMutex
	indexed  map[Namespace][]indexedDoc
	capSnap  *registry.Snapshot
	capCache []indexedDoc
}

type indexedDoc struct {
	doc   Document
	terms map[string]struct{}
}

// NewLexicalRetriever creates a retriever over the snapshots returned by
// snapshots, typically Registry.Current.
func NewLexicalRetriever(snapshots func() *registry.Snapshot) *LexicalRetriever {
	return &LexicalRetriever{
		snapshots: snapshots,
		indexed:   make(map[Namespace][]indexedDoc),
	}
}

// Index replaces the documents of a namespace.
func (l *LexicalRetriever) Index(ns Namespace, docs ...Document) {
	out := make([]indexedDoc, 0, len(docs))
	for _, d := range docs {
		out = append(out, indexedDoc{doc: d, terms: tokenize(d.Text)})
	}
	l.mu.Lock()
	l.indexed[ns] = out
	l.mu.Unlock()
}

// Retrieve returns the topK documents sharing terms with text.
func (l *LexicalRetriever) Retrieve(ctx context.Context, text string, topK int, ns Namespace) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []indexedDoc
	switch ns {
	case NamespaceCapability:
		docs = l.capabilityDocs(ctx)
	default:
		l.mu.RLock()
		var ok bool
		docs, ok = l.indexed[ns]
		l.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("namespace %q has no index", ns)
		}
	}

	query := tokenize(text)
	if len(query) == 0 {
		return nil, nil
	}

	var hits []Hit
	for _, d := range docs {
		shared := 0
		for term := range query {
			if _, ok := d.terms[term]; ok {
				shared++
			}
		}
		if shared == 0 {
			continue
		}
		score := float64(shared) / math.Sqrt(float64(len(query))*float64(len(d.terms)))
		hits = append(hits, Hit{ID: d.doc.ID, Score: score, Descriptor: d.doc.Descriptor})
	}
	return rank(hits, topK), nil
}

func (l *LexicalRetriever) capabilityDocs(ctx context.Context) []indexedDoc {
	snap := SnapshotFrom(ctx)
	if snap == nil && l.snapshots != nil {
		snap = l.snapshots()
	}
	if snap == nil {
		return nil
	}

	l.mu.RLock()
	if l.capSnap == snap {
		docs := l.capCache
		l.mu.RUnlock()
		return docs
	}
	l.mu.RUnlock()

	raw := CapabilityDocuments(snap)
	docs := make([]indexedDoc, 0, len(raw))
	for _, d := range raw {
		docs = append(docs, indexedDoc{doc: d, terms: tokenize(d.Text)})
	}

	l.mu.Lock()
	l.capCache, l.capSnap = docs, snap
	l.mu.Unlock()
	return docs
}
