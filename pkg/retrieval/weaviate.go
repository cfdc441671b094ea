package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// WeaviateRetriever runs nearText queries against one class per namespace.
// Each class stores docId, text and a JSON-encoded descriptor.
type WeaviateRetriever struct {
	client  *weaviate.Client
	classes map[Namespace]string
}

// WeaviateConfig locates the server and the per-namespace classes.
type WeaviateConfig struct {
	Host            string
	Scheme          string
	CapabilityClass string
	PolicyClass     string
}

// NewWeaviateRetriever connects to a Weaviate server.
func NewWeaviateRetriever(cfg WeaviateConfig) (*WeaviateRetriever, error) {
	if cfg.Host == "" {
		return nil, errors.New("weaviate host is required")
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &WeaviateRetriever{
		client: client,
		classes: map[Namespace]string{
			NamespaceCapability: cfg.CapabilityClass,
			NamespacePolicy:     cfg.PolicyClass,
		},
	}, nil
}

// Retrieve returns the topK nearest documents; certainty becomes the score.
func (w *WeaviateRetriever) Retrieve(ctx context.Context, text string, topK int, ns Namespace) ([]Hit, error) {
	class, ok := w.classes[ns]
	if !ok || class == "" {
		return nil, fmt.Errorf("namespace %q has no weaviate class", ns)
	}
	if topK <= 0 {
		topK = 10
	}

	nearText := w.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{text})
	result, err := w.client.GraphQL().Get().
		WithClassName(class).
		WithFields(
			graphql.Field{Name: "docId"},
			graphql.Field{Name: "descriptor"},
			graphql.Field{Name: "_additional { certainty }"},
		).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate nearText: %w", err)
	}
	return parseGraphQLHits(result, class, topK)
}

// Index upserts documents into the class of a namespace.
func (w *WeaviateRetriever) Index(ctx context.Context, ns Namespace, docs []Document) (int, error) {
	class, ok := w.classes[ns]
	if !ok || class == "" {
		return 0, fmt.Errorf("namespace %q has no weaviate class", ns)
	}
	objects, err := documentObjects(class, docs)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, nil
	}
	result, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("weaviate batch import: %w", err)
	}
	indexed := 0
	for _, obj := range result {
		if obj.Result != nil && obj.Result.Errors == nil {
			indexed++
		}
	}
	return indexed, nil
}

func documentObjects(class string, docs []Document) ([]*models.Object, error) {
	objects := make([]*models.Object, 0, len(docs))
	for _, d := range docs {
		desc, err := json.Marshal(d.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("encode descriptor for %s: %w", d.ID, err)
		}
		objects = append(objects, &models.Object{
			Class: class,
			Properties: map[string]interface{}{
				"docId":      d.ID,
				"text":       d.Text,
				"descriptor": string(desc),
			},
		})
	}
	return objects, nil
}

func parseGraphQLHits(result *models.GraphQLResponse, class string, topK int) ([]Hit, error) {
	if result == nil {
		return nil, nil
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search error: %s", result.Errors[0].Message)
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]Hit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := m["docId"].(string)
		if id == "" {
			continue
		}
		hit := Hit{ID: id}
		if raw, ok := m["descriptor"].(string); ok && raw != "" {
			if err := json.Unmarshal([]byte(raw), &hit.Descriptor); err != nil {
				continue
			}
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			if certainty, ok := additional["certainty"].(float64); ok {
				hit.Score = certainty
			}
		}
		hits = append(hits, hit)
	}
	return rank(hits, topK), nil
}
