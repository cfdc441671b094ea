package adapter

import "fmt"

// Keys holds provider API keys.
type Keys struct {
	Anthropic string
	OpenAI    string
	Google    string
	DeepSeek  string
}

// FromKeys builds the adapters for every provider with a configured key.
// The mock adapter is always present.
func FromKeys(keys Keys) (Set, error) {
	set := Set{"mock": NewMockAdapter()}

	if keys.Anthropic != "" {
		a, err := NewAnthropicAdapter(keys.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("anthropic adapter: %w", err)
		}
		set[a.Name()] = a
	}
	if keys.OpenAI != "" {
		a, err := NewOpenAIAdapter(keys.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("openai adapter: %w", err)
		}
		set[a.Name()] = a
	}
	if keys.Google != "" {
		a, err := NewGoogleAdapter(keys.Google)
		if err != nil {
			return nil, fmt.Errorf("google adapter: %w", err)
		}
		set[a.Name()] = a
	}
	if keys.DeepSeek != "" {
		a, err := NewDeepSeekAdapter(keys.DeepSeek)
		if err != nil {
			return nil, fmt.Errorf("deepseek adapter: %w", err)
		}
		set[a.Name()] = a
	}
	return set, nil
}
