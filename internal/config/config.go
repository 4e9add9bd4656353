// Package config provides unified configuration loading for pagevision.
// Supports YAML files, environment variables, and flag overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spherical-ai/pagevision/internal/domain"
)

// Config holds all configuration for pagevision.
type Config struct {
	API           APIConfig           `yaml:"api"`
	Processing    ProcessingConfig    `yaml:"processing"`
	Output        OutputConfig        `yaml:"output"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// APIConfig holds vision-model API settings.
type APIConfig struct {
	Engine string       `yaml:"engine"` // openai or gemini
	Model  string       `yaml:"model"`
	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
}

// OpenAIConfig holds settings for OpenAI-compatible endpoints.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// Endpoint is the raw endpoint string; the client normalizes it to a
	// full chat-completions URL. Empty selects the OpenAI default.
	Endpoint string `yaml:"endpoint"`
}

// GeminiConfig holds settings for the Gemini engine.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
}

// ProcessingConfig holds pipeline settings.
type ProcessingConfig struct {
	Mode     string `yaml:"mode"`     // extract or summarize
	Language string `yaml:"language"` // english or chinese
	// BatchSize is the number of pages sent per API call.
	BatchSize int `yaml:"batch_size"`
	// Concurrency is the number of parallel batch workers.
	Concurrency int `yaml:"concurrency"`
	// CallInterval is the minimum spacing between API calls across all
	// workers.
	CallInterval time.Duration `yaml:"call_interval"`
}

// OutputConfig holds output layout settings.
type OutputConfig struct {
	Dir  string `yaml:"dir"`
	HTML bool   `yaml:"html"`
}

// LedgerConfig holds run-ledger settings.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds HTTP server settings for serve mode.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Engine: "openai",
			Model:  "gpt-4-vision-preview",
		},
		Processing: ProcessingConfig{
			Mode:         string(domain.ModeExtract),
			Language:     string(domain.LanguageEnglish),
			BatchSize:    1,
			Concurrency:  1,
			CallInterval: 0,
		},
		Output: OutputConfig{
			Dir: "output",
		},
		Ledger: LedgerConfig{
			Enabled: true,
			Path:    "pagevision.db",
		},
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8086,
			ReadTimeout:      30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.API.Engine != "openai" && c.API.Engine != "gemini" {
		return fmt.Errorf("invalid engine: %s", c.API.Engine)
	}

	if _, err := domain.ParseMode(c.Processing.Mode); err != nil {
		return err
	}

	if _, err := domain.ParseLanguage(c.Processing.Language); err != nil {
		return err
	}

	if c.Processing.BatchSize < 1 || c.Processing.BatchSize > 4 {
		return fmt.Errorf("batch_size must be between 1 and 4")
	}

	if c.Processing.Concurrency < 1 || c.Processing.Concurrency > 10 {
		return fmt.Errorf("concurrency must be between 1 and 10")
	}

	if c.Processing.CallInterval < 0 || c.Processing.CallInterval > 10*time.Second {
		return fmt.Errorf("call_interval must be between 0 and 10s")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	return nil
}

// APIKey returns the key for the configured engine.
func (c *Config) APIKey() string {
	if c.API.Engine == "gemini" {
		return c.API.Gemini.APIKey
	}
	return c.API.OpenAI.APIKey
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.API.OpenAI.APIKey = v
	}

	if v := os.Getenv("OPENAI_ENDPOINT"); v != "" {
		cfg.API.OpenAI.Endpoint = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		cfg.API.Gemini.APIKey = v
	}

	if v := os.Getenv("PAGEVISION_ENGINE"); v != "" {
		cfg.API.Engine = v
	}

	if v := os.Getenv("PAGEVISION_MODEL"); v != "" {
		cfg.API.Model = v
	}

	if v := os.Getenv("PAGEVISION_OUTPUT_DIR"); v != "" {
		cfg.Output.Dir = v
	}

	if v := os.Getenv("PAGEVISION_DB_PATH"); v != "" {
		cfg.Ledger.Path = v
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
}
