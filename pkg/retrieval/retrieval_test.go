package retrieval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"
	"github.com/zen-systems/routecore/pkg/registry"
)

func defaultSnapshot(t *testing.T) *registry.Snapshot {
	t.Helper()
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	snap, err := registry.Build(cat)
	require.NoError(t, err)
	return snap
}

func TestLexicalCapabilityRetrieval(t *testing.T) {
	snap := defaultSnapshot(t)
	r := NewLexicalRetriever(func() *registry.Snapshot { return snap })

	hits, err := r.Retrieve(context.Background(), "retrieval search documents", 5, NamespaceCapability)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	ids := map[string]bool{}
	for i, h := range hits {
		ids[h.ID] = true
		assert.Greater(t, h.Score, 0.0)
		if i > 0 {
			assert.GreaterOrEqual(t, hits[i-1].Score, h.Score)
		}
	}
	assert.True(t, ids["search-agent"])
	assert.True(t, ids["vector-search"])
	assert.Equal(t, "retrieval", hits[0].Descriptor["tags"])
}

func TestLexicalRetrievalUnderscoreTags(t *testing.T) {
	snap := defaultSnapshot(t)
	r := NewLexicalRetriever(func() *registry.Snapshot { return snap })

	hits, err := r.Retrieve(context.Background(), "report_synthesis", 3, NamespaceCapability)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "report-writer", hits[0].ID)
}

func TestLexicalRetrievalTopKAndEmpty(t *testing.T) {
	snap := defaultSnapshot(t)
	r := NewLexicalRetriever(func() *registry.Snapshot { return snap })

	hits, err := r.Retrieve(context.Background(), "agent tool model", 2, NamespaceCapability)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = r.Retrieve(context.Background(), "zzzz qqqq", 5, NamespaceCapability)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestLexicalPolicyNamespace(t *testing.T) {
	r := NewLexicalRetriever(nil)
	_, err := r.Retrieve(context.Background(), "anything", 3, NamespacePolicy)
	require.Error(t, err, "unindexed namespace")

	r.Index(NamespacePolicy,
		Document{ID: "no-prod-deletes", Text: "delete production data_ops", Descriptor: map[string]string{"effect": "deny"}},
		Document{ID: "pii", Text: "customers personal data export", Descriptor: map[string]string{"effect": "require_approval"}},
	)
	hits, err := r.Retrieve(context.Background(), "delete production", 3, NamespacePolicy)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "no-prod-deletes", hits[0].ID)
	assert.Equal(t, "deny", hits[0].Descriptor["effect"])
}

func TestLexicalFollowsPublishedSnapshot(t *testing.T) {
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	reg, err := registry.New(cat)
	require.NoError(t, err)
	r := NewLexicalRetriever(reg.Current)

	hits, err := r.Retrieve(context.Background(), "translation", 3, NamespaceCapability)
	require.NoError(t, err)
	assert.Empty(t, hits)

	cat.Capabilities = append(cat.Capabilities, registry.Capability{
		ID: "translator", Version: "1", Kind: registry.KindModel, Owner: "x",
		Tags: []string{"translation"}, Cost: 0.001, RiskClass: registry.RiskLow,
	})
	_, err = reg.Publish(cat)
	require.NoError(t, err)

	hits, err = r.Retrieve(context.Background(), "translation", 3, NamespaceCapability)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "translator", hits[0].ID)
}

func TestLexicalUsesPinnedSnapshot(t *testing.T) {
	cat, err := registry.DefaultCatalog()
	require.NoError(t, err)
	reg, err := registry.New(cat)
	require.NoError(t, err)
	r := NewLexicalRetriever(reg.Current)
	pinned := reg.Current()

	cat.Capabilities = append(cat.Capabilities, registry.Capability{
		ID: "translator", Version: "1", Kind: registry.KindModel, Owner: "x",
		Tags: []string{"translation"}, Cost: 0.001, RiskClass: registry.RiskLow,
	})
	_, err = reg.Publish(cat)
	require.NoError(t, err)

	hits, err := r.Retrieve(WithSnapshot(context.Background(), pinned), "translation", 3, NamespaceCapability)
	require.NoError(t, err)
	assert.Empty(t, hits, "pinned snapshot predates translator")

	hits, err = r.Retrieve(context.Background(), "translation", 3, NamespaceCapability)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "translator", hits[0].ID)
}

func TestParseGraphQLHits(t *testing.T) {
	desc, err := json.Marshal(map[string]string{"kind": "agent"})
	require.NoError(t, err)
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]interface{}{
				"Capability": []interface{}{
					map[string]interface{}{
						"docId":       "b-agent",
						"descriptor":  string(desc),
						"_additional": map[string]interface{}{"certainty": 0.7},
					},
					map[string]interface{}{
						"docId":       "a-agent",
						"_additional": map[string]interface{}{"certainty": 0.9},
					},
					map[string]interface{}{"descriptor": "{}"},
					"garbage",
				},
			},
		},
	}
	hits, err := parseGraphQLHits(resp, "Capability", 5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a-agent", hits[0].ID)
	assert.Equal(t, 0.9, hits[0].Score)
	assert.Equal(t, "agent", hits[1].Descriptor["kind"])

	_, err = parseGraphQLHits(&models.GraphQLResponse{Errors: []*models.GraphQLError{{Message: "boom"}}}, "Capability", 5)
	require.Error(t, err)
}

func TestDocumentObjects(t *testing.T) {
	objs, err := documentObjects("Capability", CapabilityDocuments(defaultSnapshot(t)))
	require.NoError(t, err)
	require.NotEmpty(t, objs)
	props, ok := objs[0].Properties.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "chat-lite", props["docId"])
	assert.Equal(t, "Capability", objs[0].Class)
}

func TestNewWeaviateRetrieverRequiresHost(t *testing.T) {
	_, err := NewWeaviateRetriever(WeaviateConfig{})
	require.Error(t, err)
}
