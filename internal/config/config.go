package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models researchline.yml.
type Config struct {
	Server struct {
		Addr                string `yaml:"addr"`
		BasePath            string `yaml:"base_path"`
		JWTSecret           string `yaml:"jwt_secret"`
		AllowDevOwnerHeader bool   `yaml:"allow_dev_owner_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Generation GenerationConfig `yaml:"generation"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Orchestrator struct {
		// TickInterval enables the background advancer when positive.
		TickInterval    time.Duration `yaml:"tick_interval"`
		TickConcurrency int           `yaml:"tick_concurrency"`
		TickBatch       int           `yaml:"tick_batch"`
	} `yaml:"orchestrator"`
	Projection struct {
		ReconcileInterval time.Duration `yaml:"reconcile_interval"`
		ReconcileBatch    int           `yaml:"reconcile_batch"`
	} `yaml:"projection"`
	Quota struct {
		MaxTasksPerWindow int           `yaml:"max_tasks_per_window"`
		Window            time.Duration `yaml:"window"`
	} `yaml:"quota"`
}

type GenerationConfig struct {
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	MaxRetries  int           `yaml:"max_retries"`
	// RatePerMinute caps outbound calls from this process.
	RatePerMinute float64 `yaml:"rate_per_minute"`
	Burst         int     `yaml:"burst"`
}

type RetrievalConfig struct {
	Provider    string        `yaml:"provider"`
	Endpoint    string        `yaml:"endpoint"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxSnippets int           `yaml:"max_snippets"`
}

var (
	generationProviders = []string{"anthropic", "openai", "none"}
	retrievalProviders  = []string{"http", "none"}
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	if !contains(generationProviders, c.Generation.Provider) {
		return fmt.Errorf("config.generation.provider must be one of %s", strings.Join(generationProviders, ", "))
	}
	if c.Generation.Provider == "anthropic" && c.Generation.BaseURL != "" {
		return fmt.Errorf("config.generation.base_url is only supported by the openai provider")
	}
	if c.Generation.Timeout <= 0 {
		return fmt.Errorf("config.generation.timeout must be positive")
	}
	if c.Generation.MaxRetries < 0 {
		return fmt.Errorf("config.generation.max_retries must not be negative")
	}
	if !contains(retrievalProviders, c.Retrieval.Provider) {
		return fmt.Errorf("config.retrieval.provider must be one of %s", strings.Join(retrievalProviders, ", "))
	}
	if c.Retrieval.Provider == "http" && strings.TrimSpace(c.Retrieval.Endpoint) == "" {
		return fmt.Errorf("config.retrieval.endpoint is required for the http provider")
	}
	if c.Retrieval.Timeout <= 0 {
		return fmt.Errorf("config.retrieval.timeout must be positive")
	}
	if c.Orchestrator.TickInterval < 0 {
		return fmt.Errorf("config.orchestrator.tick_interval must not be negative")
	}
	if c.Orchestrator.TickInterval > 0 && c.Orchestrator.TickConcurrency <= 0 {
		return fmt.Errorf("config.orchestrator.tick_concurrency must be positive when ticking")
	}
	if c.Quota.MaxTasksPerWindow < 0 {
		return fmt.Errorf("config.quota.max_tasks_per_window must not be negative")
	}
	if c.Quota.MaxTasksPerWindow > 0 && c.Quota.Window <= 0 {
		return fmt.Errorf("config.quota.window is required when a quota is set")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "researchline.yml")
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses config layered over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config, with secrets masked.
func (c *Config) YAML() (string, error) {
	masked := *c
	if masked.Server.JWTSecret != "" {
		masked.Server.JWTSecret = "***"
	}
	if masked.Generation.APIKey != "" {
		masked.Generation.APIKey = "***"
	}
	if masked.Retrieval.APIKey != "" {
		masked.Retrieval.APIKey = "***"
	}
	out, err := yaml.Marshal(&masked)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func contains(items []string, v string) bool {
	for _, item := range items {
		if item == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  allow_dev_owner_header: false

log:
  level: info
  format: json

generation:
  provider: anthropic
  model: claude-2.1
  timeout: 90s
  max_tokens: 4096
  temperature: 0.3
  max_retries: 2
  rate_per_minute: 50
  burst: 5

retrieval:
  provider: none
  timeout: 30s
  max_snippets: 25

orchestrator:
  tick_interval: 0s
  tick_concurrency: 4
  tick_batch: 50

projection:
  reconcile_interval: 1m
  reconcile_batch: 100

quota:
  max_tasks_per_window: 0
  window: 1h
`
