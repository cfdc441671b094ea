package adapter

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "rate limited", err: &AdapterError{Provider: "x", Status: 429}, want: true},
		{name: "server error", err: &AdapterError{Provider: "x", Status: 503}, want: true},
		{name: "bad request", err: &AdapterError{Provider: "x", Status: 400}, want: false},
		{name: "temporary flag", err: &AdapterError{Provider: "x", Temporary: true}, want: true},
		{name: "wrapped", err: fmt.Errorf("call: %w", &AdapterError{Status: 502}), want: true},
		{name: "plain", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMockAdapterResponses(t *testing.T) {
	m := NewMockAdapterWithResponses(map[string]string{"ping": "pong"}, "")
	resp, err := m.Generate(context.Background(), "", "ping")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "pong" || resp.Model != "mock-1" || resp.Adapter != "mock" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	resp, err = m.Generate(context.Background(), "mock-1", "other")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Content != "mock response:\nother" {
		t.Fatalf("unexpected default content: %q", resp.Content)
	}
}

func TestUsageNormalize(t *testing.T) {
	u := Usage{PromptTokens: 3, CompletionTokens: 4}.Normalize()
	if u.TotalTokens != 7 {
		t.Fatalf("expected 7 total tokens, got %d", u.TotalTokens)
	}
	u = Usage{PromptTokens: 3, TotalTokens: 10}.Normalize()
	if u.TotalTokens != 10 {
		t.Fatalf("expected provider total to be kept, got %d", u.TotalTokens)
	}
}
