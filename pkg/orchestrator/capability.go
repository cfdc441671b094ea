package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/zen-systems/routecore/pkg/adapter"
	"github.com/zen-systems/routecore/pkg/registry"
)

// ErrPermanent marks a capability failure that must not be retried.
var ErrPermanent = errors.New("permanent capability failure")

// Invocation is what a capability reports for one call.
type Invocation struct {
	Success    bool           `json:"success"`
	Output     string         `json:"output,omitempty"`
	LatencyMs  int64          `json:"latency_ms"`
	Correction string         `json:"correction,omitempty"`
	Usage      *adapter.Usage `json:"usage,omitempty"`
}

// Capability is the invocation contract shared by agents, tools and models.
type Capability interface {
	Invoke(ctx context.Context, inputs map[string]string) (Invocation, error)
}

// FuncCapability adapts a function to Capability.
type FuncCapability func(ctx context.Context, inputs map[string]string) (Invocation, error)

// Invoke calls f.
func (f FuncCapability) Invoke(ctx context.Context, inputs map[string]string) (Invocation, error) {
	return f(ctx, inputs)
}

// StaticCapability succeeds immediately with a deterministic output. It
// stands in for capabilities that have no live binding.
type StaticCapability struct {
	ID string
}

// Invoke reports success without side effects.
func (s StaticCapability) Invoke(ctx context.Context, inputs map[string]string) (Invocation, error) {
	if err := ctx.Err(); err != nil {
		return Invocation{}, err
	}
	return Invocation{Success: true, Output: fmt.Sprintf("%s: %s done", s.ID, inputs["node"])}, nil
}

// ModelCapability runs a node through an LLM adapter.
type ModelCapability struct {
	adapter adapter.Adapter
	model   string
}

// NewModelCapability binds a capability to an adapter model.
func NewModelCapability(a adapter.Adapter, model string) *ModelCapability {
	return &ModelCapability{adapter: a, model: model}
}

// Invoke renders the inputs as a prompt and returns the model output.
func (m *ModelCapability) Invoke(ctx context.Context, inputs map[string]string) (Invocation, error) {
	resp, err := m.adapter.Generate(ctx, m.model, renderPrompt(inputs))
	if err != nil {
		return Invocation{}, err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return Invocation{}, errors.New("model returned empty response")
	}
	return Invocation{Success: true, Output: resp.Content, Usage: resp.Usage}, nil
}

func renderPrompt(inputs map[string]string) string {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("Complete the task described below.\n\n")
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf("%s: %s\n", k, inputs[k]))
	}
	return sb.String()
}

// Dispatcher is the table of invocable capabilities keyed by id.
type Dispatcher struct {
	mu    sync.RWMutex
	table map[string]Capability
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{table: make(map[string]Capability)}
}

// FromSnapshot registers every capability in snap. Model capabilities whose
// adapter is available are bound to it; the rest get a StaticCapability.
func FromSnapshot(snap *registry.Snapshot, adapters adapter.Set) *Dispatcher {
	d := NewDispatcher()
	for _, c := range snap.Capabilities() {
		if c.Kind == registry.KindModel && c.Model != "" {
			if a, ok := adapters.Get(c.Adapter); ok {
				d.Register(c.ID, NewModelCapability(a, c.Model))
				continue
			}
		}
		d.Register(c.ID, StaticCapability{ID: c.ID})
	}
	return d
}

// Register adds or replaces an entry.
func (d *Dispatcher) Register(id string, c Capability) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.table[id] = c
}

// Lookup returns the entry for id.
func (d *Dispatcher) Lookup(id string) (Capability, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.table[id]
	return c, ok
}
