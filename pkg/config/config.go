package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zen-systems/routecore/pkg/adapter"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	Engine          *EngineConfig
	// RegistryPath is the catalog file to load and watch; empty means the
	// embedded default catalog.
	RegistryPath string
	ConfigDir    string
}

// FileConfig represents the structure of ~/.routecore/config.yaml
type FileConfig struct {
	APIKeys  APIKeysConfig `yaml:"api_keys"`
	Registry string        `yaml:"registry,omitempty"`
}

// APIKeysConfig holds API key configuration from file.
type APIKeysConfig struct {
	Anthropic string `yaml:"anthropic"`
	OpenAI    string `yaml:"openai"`
	Google    string `yaml:"google"`
	DeepSeek  string `yaml:"deepseek"`
}

// Load reads configuration from the default config directory.
// Environment variables take precedence over file configuration.
func Load() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	return LoadFrom(configDir, "")
}

// LoadFrom reads configuration from configDir. A non-empty enginePath
// overrides configDir/engine.yaml.
func LoadFrom(configDir, enginePath string) (*Config, error) {
	fileConfig := loadFileConfig(filepath.Join(configDir, "config.yaml"))

	cfg := &Config{
		AnthropicAPIKey: getEnvOrDefault("ANTHROPIC_API_KEY", fileConfig.APIKeys.Anthropic),
		OpenAIAPIKey:    getEnvOrDefault("OPENAI_API_KEY", fileConfig.APIKeys.OpenAI),
		GoogleAPIKey:    getEnvOrDefault("GOOGLE_API_KEY", fileConfig.APIKeys.Google),
		DeepSeekAPIKey:  getEnvOrDefault("DEEPSEEK_API_KEY", fileConfig.APIKeys.DeepSeek),
		RegistryPath:    getEnvOrDefault("ROUTECORE_REGISTRY", fileConfig.Registry),
		ConfigDir:       configDir,
	}

	if cfg.RegistryPath == "" {
		candidate := filepath.Join(configDir, "registry.yaml")
		if _, err := os.Stat(candidate); err == nil {
			cfg.RegistryPath = candidate
		}
	}

	if enginePath == "" {
		enginePath = filepath.Join(configDir, "engine.yaml")
		if _, err := os.Stat(enginePath); err != nil {
			cfg.Engine = DefaultEngineConfig()
			return cfg, nil
		}
	}

	engine, err := LoadEngineConfig(enginePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load engine config from %s: %w", enginePath, err)
	}
	cfg.Engine = engine
	return cfg, nil
}

// Keys returns the provider keys for building adapters.
func (c *Config) Keys() adapter.Keys {
	return adapter.Keys{
		Anthropic: c.AnthropicAPIKey,
		OpenAI:    c.OpenAIAPIKey,
		Google:    c.GoogleAPIKey,
		DeepSeek:  c.DeepSeekAPIKey,
	}
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "mock":
		return true
	default:
		return false
	}
}

// loadFileConfig reads the config file, returning empty config if not found.
func loadFileConfig(path string) *FileConfig {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, cfg) // Ignore parse errors, use defaults
	return cfg
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".routecore")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", err
	}
	return configDir, nil
}
