package config

import (
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestConfigUsesFileAPIKeysWhenEnvEmpty(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".routecore")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	configPath := filepath.Join(configDir, "config.yaml")
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\n")
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "file-ant" {
		t.Fatalf("expected file key for anthropic, got %q", cfg.AnthropicAPIKey)
	}
	if cfg.OpenAIAPIKey != "env-openai" {
		t.Fatalf("expected env to take precedence, got %q", cfg.OpenAIAPIKey)
	}
	if !cfg.HasAdapter("anthropic") || cfg.HasAdapter("google") || !cfg.HasAdapter("mock") {
		t.Fatalf("unexpected HasAdapter results")
	}
	if cfg.Engine == nil || cfg.Engine.ConfidenceThreshold != 0.6 {
		t.Fatalf("expected default engine config")
	}
}

func TestConfigPicksUpRegistryFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ROUTECORE_REGISTRY", "")
	reg := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(reg, []byte("version: x\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RegistryPath != reg {
		t.Fatalf("RegistryPath = %q, want %q", cfg.RegistryPath, reg)
	}
}

func TestDefaultEngineConfigIsValid(t *testing.T) {
	cfg := DefaultEngineConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Retry.MaxRetries != 2 || cfg.Retry.BaseBackoffMs != 200 || cfg.Retry.MaxBackoffMs != 2000 {
		t.Fatalf("unexpected retry defaults: %+v", cfg.Retry)
	}
	if math.Abs(cfg.Weights.Sum()-1) > 1e-9 {
		t.Fatalf("default weights should sum to 1, got %f", cfg.Weights.Sum())
	}
}

func TestParseEngineConfigOverridesAndDefaults(t *testing.T) {
	data := []byte(`
confidence_threshold: 0.7
default_deadline: 5s
weights:
  capability_match: 7
  cost: 4
  latency: 3
  success_history: 4
  stability: 2
retry:
  base_backoff_ms: 500
  max_backoff_ms: 100
`)
	cfg, err := ParseEngineConfig(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ConfidenceThreshold != 0.7 {
		t.Fatalf("threshold = %f", cfg.ConfidenceThreshold)
	}
	if cfg.DefaultDeadline != 5*time.Second {
		t.Fatalf("deadline = %s", cfg.DefaultDeadline)
	}
	if cfg.Retry.MaxBackoffMs != 500 {
		t.Fatalf("max backoff should be raised to base, got %d", cfg.Retry.MaxBackoffMs)
	}
	w, err := cfg.Weights.Normalize()
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if math.Abs(w.CapabilityMatch-0.35) > 1e-9 || math.Abs(w.Stability-0.10) > 1e-9 {
		t.Fatalf("unexpected normalized weights: %+v", w)
	}
}

func TestParseEngineConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"negative weight", "weights:\n  cost: -1\n"},
		{"zero weights", "weights:\n  capability_match: 0\n  cost: 0\n  latency: 0\n  success_history: 0\n  stability: 0\n"},
		{"threshold above one", "confidence_threshold: 1.5\n"},
		{"stages over budget", "stages:\n  execute: 0.9\n"},
		{"unknown default role", "permissions:\n  default_role: ghost\n"},
		{"bad role risk", "permissions:\n  roles:\n    ops:\n      max_risk: extreme\n"},
		{"unknown field", "surprise: true\n"},
		{"zero workers", "workers: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseEngineConfig([]byte(tt.yaml)); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestParseEngineConfigEmptyFile(t *testing.T) {
	cfg, err := ParseEngineConfig(nil)
	if err != nil {
		t.Fatalf("empty config should use defaults: %v", err)
	}
	if cfg.Workers != 4 {
		t.Fatalf("workers = %d", cfg.Workers)
	}
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}

func TestParseEngineConfigAuditDefaults(t *testing.T) {
	cfg, err := ParseEngineConfig([]byte("audit:\n  dir: /var/lib/routecore/evidence\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Audit.KeyID != "routecore" {
		t.Fatalf("key id = %q", cfg.Audit.KeyID)
	}

	cfg, err = ParseEngineConfig(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Audit.KeyID != "" {
		t.Fatalf("audit should stay disabled, got key id %q", cfg.Audit.KeyID)
	}
}

func TestParseEngineConfigKeepsExplicitZeroRetries(t *testing.T) {
	cfg, err := ParseEngineConfig([]byte("retry:\n  max_retries: 0\n  base_backoff_ms: 0\n  max_backoff_ms: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Retry != (RetryConfig{}) {
		t.Fatalf("explicit zero retry settings rewritten: %+v", cfg.Retry)
	}

	cfg, err = ParseEngineConfig([]byte("retry:\n  max_retries: 0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Retry.MaxRetries != 0 || cfg.Retry.BaseBackoffMs != 200 || cfg.Retry.MaxBackoffMs != 2000 {
		t.Fatalf("unexpected retry config: %+v", cfg.Retry)
	}
}
