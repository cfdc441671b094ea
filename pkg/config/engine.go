package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EngineConfig holds the decision pipeline tuning.
type EngineConfig struct {
	Weights             Weights           `yaml:"weights"`
	ConfidenceThreshold float64           `yaml:"confidence_threshold" validate:"gte=0,lte=1"`
	MatchThreshold      float64           `yaml:"match_threshold" validate:"gte=0,lte=1"`
	MaxDAGNodes         int               `yaml:"max_dag_nodes" validate:"gte=1"`
	MaxCandidateCost    float64           `yaml:"max_candidate_cost" validate:"gt=0"`
	MaxLatencyMs        int               `yaml:"max_latency_ms" validate:"gte=1"`
	RetrievalTopK       int               `yaml:"retrieval_top_k" validate:"gte=1"`
	Stages              StageBudgets      `yaml:"stages"`
	DefaultDeadline     time.Duration     `yaml:"default_deadline" validate:"gt=0"`
	NodeTimeout         time.Duration     `yaml:"node_timeout" validate:"gt=0"`
	Retry               RetryConfig       `yaml:"retry"`
	Workers             int               `yaml:"workers" validate:"gte=1,lte=256"`
	Memory              MemoryConfig      `yaml:"memory"`
	Classifier          ClassifierConfig  `yaml:"classifier"`
	Planner             PlannerConfig     `yaml:"planner,omitempty"`
	Budget              BudgetConfig      `yaml:"budget"`
	Permissions         PermissionsConfig `yaml:"permissions"`
	ApprovalKey         string            `yaml:"approval_key" validate:"required"`
	Weaviate            WeaviateConfig    `yaml:"weaviate,omitempty"`
	Audit               AuditConfig       `yaml:"audit,omitempty"`
	Server              ServerConfig      `yaml:"server"`
}

// Weights are the Stage B scoring weights. They are sum-normalized before use.
type Weights struct {
	CapabilityMatch float64 `yaml:"capability_match" validate:"gte=0"`
	Cost            float64 `yaml:"cost" validate:"gte=0"`
	Latency         float64 `yaml:"latency" validate:"gte=0"`
	SuccessHistory  float64 `yaml:"success_history" validate:"gte=0"`
	Stability       float64 `yaml:"stability" validate:"gte=0"`
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	return w.CapabilityMatch + w.Cost + w.Latency + w.SuccessHistory + w.Stability
}

// Normalize scales the weights to sum to one.
func (w Weights) Normalize() (Weights, error) {
	for _, v := range []float64{w.CapabilityMatch, w.Cost, w.Latency, w.SuccessHistory, w.Stability} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return Weights{}, fmt.Errorf("weights must be finite and non-negative: %+v", w)
		}
	}
	sum := w.Sum()
	if sum <= 0 {
		return Weights{}, errors.New("weights must not all be zero")
	}
	return Weights{
		CapabilityMatch: w.CapabilityMatch / sum,
		Cost:            w.Cost / sum,
		Latency:         w.Latency / sum,
		SuccessHistory:  w.SuccessHistory / sum,
		Stability:       w.Stability / sum,
	}, nil
}

// DefaultWeights returns 0.35/0.20/0.15/0.20/0.10.
func DefaultWeights() Weights {
	return Weights{
		CapabilityMatch: 0.35,
		Cost:            0.20,
		Latency:         0.15,
		SuccessHistory:  0.20,
		Stability:       0.10,
	}
}

// StageBudgets are fractions of the request deadline given to each stage.
type StageBudgets struct {
	Understand float64 `yaml:"understand" validate:"gt=0,lte=1"`
	Match      float64 `yaml:"match" validate:"gt=0,lte=1"`
	Plan       float64 `yaml:"plan" validate:"gt=0,lte=1"`
	Policy     float64 `yaml:"policy" validate:"gt=0,lte=1"`
	Execute    float64 `yaml:"execute" validate:"gt=0,lte=1"`
}

// RetryConfig defines retry and backoff behavior.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseBackoffMs int `yaml:"base_backoff_ms" validate:"gte=0"`
	MaxBackoffMs  int `yaml:"max_backoff_ms" validate:"gte=0"`
}

// MemoryConfig configures the routing memory.
type MemoryConfig struct {
	QueueSize    int           `yaml:"queue_size" validate:"gte=1"`
	DBPath       string        `yaml:"db_path,omitempty"`
	RecallTopK   int           `yaml:"recall_top_k" validate:"gte=1"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gt=0"`
	// Recall enables the advisory pre-L1 recall of similar decisions.
	Recall bool `yaml:"recall,omitempty"`
}

// ClassifierConfig configures the optional model-backed L1 classifier.
type ClassifierConfig struct {
	Adapter       string  `yaml:"adapter,omitempty"`
	Model         string  `yaml:"model,omitempty"`
	Weight        float64 `yaml:"weight" validate:"gte=0"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`
}

// Enabled reports whether a model classifier should join the ensemble.
func (c ClassifierConfig) Enabled() bool {
	return c.Adapter != "" && c.Model != ""
}

// PlannerConfig selects a model-backed graph proposer. When unset the intent
// step templates are used.
type PlannerConfig struct {
	Adapter string `yaml:"adapter,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

// Enabled reports whether a model proposer is configured.
func (p PlannerConfig) Enabled() bool {
	return p.Adapter != "" && p.Model != ""
}

// BudgetConfig bounds projected spend per request.
type BudgetConfig struct {
	MaxCostUSD float64 `yaml:"max_cost_usd" validate:"gte=0"`
}

// PermissionsConfig is the role table used by the policy engine.
type PermissionsConfig struct {
	DefaultRole string                `yaml:"default_role" validate:"required"`
	Roles       map[string]RoleConfig `yaml:"roles" validate:"required,min=1,dive"`
}

// RoleConfig describes what one role may invoke.
type RoleConfig struct {
	Kinds   []string `yaml:"kinds" validate:"dive,oneof=agent tool model"`
	MaxRisk string   `yaml:"max_risk" validate:"required,oneof=low medium high critical"`
	Allow   []string `yaml:"allow,omitempty"`
	Deny    []string `yaml:"deny,omitempty"`
}

// WeaviateConfig selects the vector-store retriever when Host is set.
type WeaviateConfig struct {
	Host            string `yaml:"host,omitempty"`
	Scheme          string `yaml:"scheme,omitempty"`
	CapabilityClass string `yaml:"capability_class,omitempty"`
	PolicyClass     string `yaml:"policy_class,omitempty"`
}

// AuditConfig enables the signed on-disk evidence trail when Dir is set.
type AuditConfig struct {
	Dir   string `yaml:"dir,omitempty"`
	KeyID string `yaml:"key_id,omitempty"`
}

// ServerConfig configures the HTTP entry point.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoadEngineConfig reads engine configuration from a YAML file. Fields absent
// from the file keep their defaults.
func LoadEngineConfig(path string) (*EngineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseEngineConfig(data)
}

// ParseEngineConfig decodes and validates engine configuration.
func ParseEngineConfig(data []byte) (*EngineConfig, error) {
	cfg := DefaultEngineConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints.
func (c *EngineConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	if _, err := c.Weights.Normalize(); err != nil {
		return fmt.Errorf("invalid engine config: %w", err)
	}
	s := c.Stages
	if total := s.Understand + s.Match + s.Plan + s.Policy + s.Execute; total > 1.0001 {
		return fmt.Errorf("invalid engine config: stage budgets sum to %.3f (> 1)", total)
	}
	if _, ok := c.Permissions.Roles[c.Permissions.DefaultRole]; !ok {
		return fmt.Errorf("invalid engine config: default role %q not defined", c.Permissions.DefaultRole)
	}
	return nil
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() *EngineConfig {
	cfg := &EngineConfig{
		Weights:             DefaultWeights(),
		ConfidenceThreshold: 0.6,
		MatchThreshold:      0.25,
		MaxDAGNodes:         8,
		MaxCandidateCost:    0.25,
		MaxLatencyMs:        10000,
		RetrievalTopK:       8,
		Stages: StageBudgets{
			Understand: 0.25,
			Match:      0.05,
			Plan:       0.20,
			Policy:     0.10,
			Execute:    0.40,
		},
		DefaultDeadline: 30 * time.Second,
		NodeTimeout:     10 * time.Second,
		Workers:         4,
		Retry: RetryConfig{
			MaxRetries:    2,
			BaseBackoffMs: 200,
			MaxBackoffMs:  2000,
		},
		Memory: MemoryConfig{
			QueueSize:    256,
			RecallTopK:   3,
			WriteTimeout: 2 * time.Second,
		},
		Classifier: ClassifierConfig{
			Weight:        1.0,
			RatePerSecond: 5,
			Burst:         5,
		},
		Budget: BudgetConfig{MaxCostUSD: 1.0},
		Permissions: PermissionsConfig{
			DefaultRole: "member",
			Roles: map[string]RoleConfig{
				"viewer": {Kinds: []string{"model", "tool"}, MaxRisk: "low"},
				"member": {Kinds: []string{"agent", "tool", "model"}, MaxRisk: "high"},
				"admin":  {Kinds: []string{"agent", "tool", "model"}, MaxRisk: "critical"},
			},
		},
		ApprovalKey: "approval",
		Server:      ServerConfig{Addr: ":8088"},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills fields whose defaults depend on other fields. Plain
// defaults live in DefaultEngineConfig so explicit zeros survive decoding.
func applyDefaults(cfg *EngineConfig) {
	if cfg == nil {
		return
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	if cfg.Classifier.Burst == 0 && cfg.Classifier.RatePerSecond > 0 {
		cfg.Classifier.Burst = 1
	}
	if cfg.Audit.Dir != "" && cfg.Audit.KeyID == "" {
		cfg.Audit.KeyID = "routecore"
	}
	if cfg.Weaviate.Host != "" {
		if cfg.Weaviate.Scheme == "" {
			cfg.Weaviate.Scheme = "http"
		}
		if cfg.Weaviate.CapabilityClass == "" {
			cfg.Weaviate.CapabilityClass = "Capability"
		}
		if cfg.Weaviate.PolicyClass == "" {
			cfg.Weaviate.PolicyClass = "PolicyRule"
		}
	}
}
