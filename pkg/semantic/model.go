package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zen-systems/routecore/pkg/adapter"
	"golang.org/x/time/rate"
)

// ModelClassifier asks a model for a JSON understanding. Output that does not
// match the schema is reported as ErrParse; the call is never retried.
type ModelClassifier struct {
	adapter adapter.Adapter
	model   string
	limiter *rate.Limiter
}

// ModelOption configures a ModelClassifier.
type ModelOption func(*ModelClassifier)

// WithRateLimit bounds classifier calls. Calls over the limit fail fast with
// ErrRateLimited instead of waiting.
func WithRateLimit(perSecond float64, burst int) ModelOption {
	return func(m *ModelClassifier) {
		if perSecond <= 0 {
			m.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// NewModelClassifier creates a classifier backed by an adapter.
func NewModelClassifier(a adapter.Adapter, model string, opts ...ModelOption) *ModelClassifier {
	m := &ModelClassifier{adapter: a, model: model}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name identifies the classifier in merged output.
func (m *ModelClassifier) Name() string {
	return "model:" + m.adapter.Name() + "/" + m.model
}

// Classify sends the classification prompt and parses the reply.
func (m *ModelClassifier) Classify(ctx context.Context, in Input) (Understanding, error) {
	if strings.TrimSpace(in.Query) == "" {
		return Zero(), nil
	}
	if m.limiter != nil && !m.limiter.Allow() {
		return Zero(), ErrRateLimited
	}

	resp, err := m.adapter.Generate(ctx, m.model, buildClassifierPrompt(in))
	if err != nil {
		return Zero(), fmt.Errorf("classifier call: %w", err)
	}
	if resp == nil {
		return Zero(), fmt.Errorf("%w: empty response", ErrParse)
	}

	u, err := parseClassifierResponse(resp.Content)
	if err != nil {
		return Zero(), err
	}
	u.Sources = []string{m.Name()}
	return u, nil
}

func buildClassifierPrompt(in Input) string {
	var sb strings.Builder
	sb.WriteString("You are a request analyzer. Describe the request; do not choose a handler.\n")
	sb.WriteString("Return ONLY JSON: {\"topics\":[...],\"entities\":[...],\"action_signals\":[...],")
	sb.WriteString("\"modality\":\"text|code|tabular|unknown\",\"confidence\":0-1}.\n")
	sb.WriteString("Use short lowercase terms. Action signals are verbs such as search, summarize, delete, compare.\n\n")
	sb.WriteString("Request:\n")
	sb.WriteString(in.Query)
	sb.WriteString("\n")
	return sb.String()
}

// forbiddenFields may not appear in classifier output: L1 never selects an
// intent or a capability.
var forbiddenFields = []string{"intent", "intent_id", "agent", "tool", "model", "capability", "capability_id"}

func parseClassifierResponse(content string) (Understanding, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return Zero(), fmt.Errorf("%w: no JSON object", ErrParse)
	}
	content = content[start : end+1]
	if !gjson.Valid(content) {
		return Zero(), fmt.Errorf("%w: invalid JSON", ErrParse)
	}

	doc := gjson.Parse(content)
	for _, field := range forbiddenFields {
		if doc.Get(field).Exists() {
			return Zero(), fmt.Errorf("%w: field %q is not allowed", ErrParse, field)
		}
	}

	topics, err := stringArray(doc, "topics")
	if err != nil {
		return Zero(), err
	}
	entities, err := stringArray(doc, "entities")
	if err != nil {
		return Zero(), err
	}
	actions, err := stringArray(doc, "action_signals")
	if err != nil {
		return Zero(), err
	}

	modality := ModalityUnknown
	if mv := doc.Get("modality"); mv.Exists() {
		if mv.Type != gjson.String || !Modality(strings.ToLower(mv.String())).valid() {
			return Zero(), fmt.Errorf("%w: invalid modality %s", ErrParse, mv.Raw)
		}
		modality = Modality(strings.ToLower(mv.String()))
	}

	cv := doc.Get("confidence")
	if cv.Type != gjson.Number {
		return Zero(), fmt.Errorf("%w: confidence must be a number", ErrParse)
	}
	confidence := cv.Float()
	if confidence < 0 || confidence > 1 {
		return Zero(), fmt.Errorf("%w: confidence %v out of range", ErrParse, confidence)
	}

	return Understanding{
		Topics:        topics,
		Entities:      entities,
		ActionSignals: actions,
		Modality:      modality,
		Confidence:    confidence,
	}, nil
}

var errNotArray = errors.New("must be an array of strings")

func stringArray(doc gjson.Result, field string) ([]string, error) {
	v := doc.Get(field)
	if !v.Exists() || v.Type == gjson.Null {
		return []string{}, nil
	}
	if !v.IsArray() {
		return nil, fmt.Errorf("%w: %s %v", ErrParse, field, errNotArray)
	}
	var out []string
	var bad bool
	v.ForEach(func(_, item gjson.Result) bool {
		if item.Type != gjson.String {
			bad = true
			return false
		}
		out = append(out, item.String())
		return true
	})
	if bad {
		return nil, fmt.Errorf("%w: %s %v", ErrParse, field, errNotArray)
	}
	return normalizeSet(out), nil
}
