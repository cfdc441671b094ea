// Package retrieval provides the ranked semantic lookup used by capability
// discovery and by domain policy checks.
package retrieval

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/zen-systems/routecore/pkg/registry"
)

// Namespace selects the corpus searched by a retrieval.
type Namespace string

const (
	NamespaceCapability Namespace = "capability"
	NamespacePolicy     Namespace = "policy"
)

// Hit is one ranked result. Descriptor carries flat metadata about the
// document; its keys depend on the namespace.
type Hit struct {
	ID         string            `json:"id"`
	Score      float64           `json:"score"`
	Descriptor map[string]string `json:"descriptor,omitempty"`
}

// Retriever is an opaque ranked-list provider.
type Retriever interface {
	Retrieve(ctx context.Context, text string, topK int, ns Namespace) ([]Hit, error)
}

type snapshotKey struct{}

// WithSnapshot pins the registry snapshot that capability retrieval reads
// for the lifetime of ctx.
func WithSnapshot(ctx context.Context, snap *registry.Snapshot) context.Context {
	return context.WithValue(ctx, snapshotKey{}, snap)
}

// SnapshotFrom returns the snapshot pinned with WithSnapshot, or nil.
func SnapshotFrom(ctx context.Context) *registry.Snapshot {
	snap, _ := ctx.Value(snapshotKey{}).(*registry.Snapshot)
	return snap
}

// Document is an indexable unit of a namespace.
type Document struct {
	ID         string
	Text       string
	Descriptor map[string]string
}

// CapabilityDocuments renders every capability in a snapshot as a document.
func CapabilityDocuments(snap *registry.Snapshot) []Document {
	caps := snap.Capabilities()
	docs := make([]Document, 0, len(caps))
	for _, c := range caps {
		text := strings.Join([]string{
			c.ID,
			string(c.Kind),
			strings.Join(c.Tags, " "),
			c.Description,
		}, " ")
		docs = append(docs, Document{
			ID:   c.ID,
			Text: text,
			Descriptor: map[string]string{
				"kind":       string(c.Kind),
				"owner":      c.Owner,
				"tags":       strings.Join(c.Tags, ","),
				"risk_class": string(c.RiskClass),
				"cost":       strconv.FormatFloat(c.Cost, 'f', -1, 64),
				"latency_ms": strconv.Itoa(c.LatencyMs),
				"version":    c.Version,
			},
		})
	}
	return docs
}

// tokenize splits text into lowercase terms. Underscored terms also
// contribute their parts.
func tokenize(text string) map[string]struct{} {
	out := map[string]struct{}{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.')
	})
	for _, f := range fields {
		f = strings.Trim(f, ".-_")
		if len(f) < 2 {
			continue
		}
		out[f] = struct{}{}
		if strings.ContainsAny(f, "_-.") {
			for _, part := range strings.FieldsFunc(f, func(r rune) bool { return r == '_' || r == '-' || r == '.' }) {
				if len(part) >= 2 {
					out[part] = struct{}{}
				}
			}
		}
	}
	return out
}

// rank sorts hits by descending score then id and truncates to topK.
func rank(hits []Hit, topK int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
