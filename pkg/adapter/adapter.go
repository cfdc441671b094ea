package adapter

import "context"

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends a prompt to the model and returns its response.
	Generate(ctx context.Context, model string, prompt string) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// Set is a name-keyed collection of adapters.
type Set map[string]Adapter

// Get returns the adapter registered under name.
func (s Set) Get(name string) (Adapter, bool) {
	if s == nil {
		return nil, false
	}
	a, ok := s[name]
	if !ok || a == nil {
		return nil, false
	}
	return a, true
}
