package semantic

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zen-systems/routecore/pkg/adapter"
)

type staticAdapter struct {
	content string
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (s *staticAdapter) Generate(ctx context.Context, model, prompt string) (*adapter.Response, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &adapter.Response{Content: s.content, Adapter: "static", Model: model}, nil
}

func (s *staticAdapter) Name() string     { return "static" }
func (s *staticAdapter) Models() []string { return []string{"static-1"} }

func heuristic(t *testing.T) *HeuristicClassifier {
	t.Helper()
	h, err := NewHeuristicClassifier(nil)
	require.NoError(t, err)
	return h
}

func TestHeuristicDestructiveRequest(t *testing.T) {
	u, err := heuristic(t).Classify(context.Background(), Input{Query: "delete all records in production"})
	require.NoError(t, err)

	assert.Equal(t, []string{"delete"}, u.ActionSignals)
	assert.Equal(t, []string{"data"}, u.Topics)
	assert.Equal(t, []string{"production"}, u.Entities)
	assert.Equal(t, ModalityText, u.Modality)
	assert.InDelta(t, 0.74, u.Confidence, 1e-9)
}

func TestHeuristicCompositeRequest(t *testing.T) {
	u, err := heuristic(t).Classify(context.Background(), Input{
		Query: "compare our sales with competitors in the market and write a report",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"compare", "generate"}, u.ActionSignals)
	assert.Equal(t, []string{"market", "reports", "sales"}, u.Topics)
	assert.Empty(t, u.Entities)
	assert.InDelta(t, 1.0, u.Confidence, 1e-9)
}

func TestHeuristicGreetingHasNoSignals(t *testing.T) {
	u, err := heuristic(t).Classify(context.Background(), Input{Query: "hi"})
	require.NoError(t, err)

	assert.Empty(t, u.ActionSignals)
	assert.Empty(t, u.Topics)
	assert.Empty(t, u.Entities)
	assert.Less(t, u.Confidence, 0.6)
}

func TestHeuristicEmptyQueryIsZero(t *testing.T) {
	u, err := heuristic(t).Classify(context.Background(), Input{Query: "   "})
	require.NoError(t, err)
	assert.True(t, u.IsZero())
	assert.Equal(t, ModalityUnknown, u.Modality)
}

func TestHeuristicEntitiesAndModality(t *testing.T) {
	u, err := heuristic(t).Classify(context.Background(), Input{
		Query: `review the pull request for "billing-service" owned by Acme`,
	})
	require.NoError(t, err)
	assert.Contains(t, u.Entities, "billing-service")
	assert.Contains(t, u.Entities, "acme")
	assert.Equal(t, ModalityCode, u.Modality)
	assert.Contains(t, u.ActionSignals, "review")
}

func TestContainsTriggerBoundaries(t *testing.T) {
	tests := []struct {
		text, trigger string
		want          bool
	}{
		{"drop the table", "drop", true},
		{"open the dropdown", "drop", false},
		{"dropdown then drop it", "drop", true},
		{"look up the docs", "look up", true},
		{"see ```go code```", "```", true},
		{"stable", "table", false},
		{"", "x", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, containsTrigger(tt.text, tt.trigger), "%q in %q", tt.trigger, tt.text)
	}
}

func TestParseClassifierResponse(t *testing.T) {
	u, err := parseClassifierResponse("```json\n{\"topics\":[\"Sales\",\"market\",\"sales\"],\"entities\":[],\"action_signals\":[\"compare\"],\"modality\":\"text\",\"confidence\":0.8}\n```")
	require.NoError(t, err)
	assert.Equal(t, []string{"market", "sales"}, u.Topics)
	assert.Equal(t, []string{"compare"}, u.ActionSignals)
	assert.Equal(t, 0.8, u.Confidence)

	bad := []string{
		"not json at all",
		`{"topics":"sales","confidence":0.5}`,
		`{"topics":[1,2],"confidence":0.5}`,
		`{"topics":[],"confidence":1.7}`,
		`{"topics":[],"confidence":"high"}`,
		`{"topics":[],"modality":"video","confidence":0.5}`,
		`{"topics":[],"intent_id":"data.delete","confidence":0.9}`,
		`{"topics":[],"agent":"db-admin","confidence":0.9}`,
	}
	for _, content := range bad {
		_, err := parseClassifierResponse(content)
		assert.ErrorIs(t, err, ErrParse, content)
	}
}

func TestModelClassifierRateLimitedFailsFast(t *testing.T) {
	a := &staticAdapter{content: `{"topics":["sales"],"confidence":0.9}`}
	m := NewModelClassifier(a, "static-1", WithRateLimit(0.001, 1))

	_, err := m.Classify(context.Background(), Input{Query: "sales"})
	require.NoError(t, err)
	_, err = m.Classify(context.Background(), Input{Query: "sales"})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int32(1), a.calls.Load(), "rate-limited call must not reach the model")
}

func TestModelClassifierDoesNotRetryParseFailures(t *testing.T) {
	a := &staticAdapter{content: "I think this is about sales"}
	m := NewModelClassifier(a, "static-1")

	u, err := m.Classify(context.Background(), Input{Query: "sales"})
	require.ErrorIs(t, err, ErrParse)
	assert.True(t, u.IsZero())
	assert.Equal(t, int32(1), a.calls.Load())
}

func TestUnderstanderMergesByWeightedMajority(t *testing.T) {
	model := NewModelClassifier(&staticAdapter{
		content: `{"topics":["sales","finance"],"entities":[],"action_signals":["compare"],"modality":"tabular","confidence":0.5}`,
	}, "static-1")

	u := NewUnderstander(nil,
		Member{Classifier: heuristic(t), Weight: 2},
		Member{Classifier: model, Weight: 1},
	)
	got := u.Understand(context.Background(), Input{Query: "compare our sales with competitors in the market"})

	// Terms backed only by the lighter member are voted out.
	assert.NotContains(t, got.Topics, "finance")
	assert.Contains(t, got.Topics, "sales")
	assert.Contains(t, got.Topics, "market")
	assert.Equal(t, []string{"compare"}, got.ActionSignals)
	assert.Equal(t, ModalityText, got.Modality)
	assert.Len(t, got.Sources, 2)

	again := u.Understand(context.Background(), Input{Query: "compare our sales with competitors in the market"})
	assert.Equal(t, got, again)
}

func TestUnderstanderExcludesFailedMembers(t *testing.T) {
	failing := NewModelClassifier(&staticAdapter{err: errors.New("boom")}, "static-1")
	h := heuristic(t)

	u := NewUnderstander(nil, Member{Classifier: h, Weight: 1}, Member{Classifier: failing, Weight: 5})
	got := u.Understand(context.Background(), Input{Query: "delete all records in production"})

	want, err := h.Classify(context.Background(), Input{Query: "delete all records in production"})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnderstanderAllFailingIsZero(t *testing.T) {
	failing := NewModelClassifier(&staticAdapter{content: "garbage"}, "static-1")
	u := NewUnderstander(nil, Member{Classifier: failing, Weight: 1})
	got := u.Understand(context.Background(), Input{Query: "anything"})
	assert.True(t, got.IsZero())
}

func TestUnderstanderDeadlineResolvesToZero(t *testing.T) {
	slow := NewModelClassifier(&staticAdapter{content: `{"topics":["sales"],"confidence":0.9}`, delay: time.Second}, "static-1")
	u := NewUnderstander(nil, Member{Classifier: slow, Weight: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	got := u.Understand(ctx, Input{Query: "sales"})
	assert.True(t, got.IsZero())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
