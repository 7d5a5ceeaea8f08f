package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinyfish-io/fanout/internal/task"
)

// maxFileSize caps config and batch files.
const maxFileSize = 1 << 20

// Config represents the application configuration
type Config struct {
	Automation    AutomationConfig    `yaml:"automation"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Redis         RedisConfig         `yaml:"redis"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// AutomationConfig configures the remote automation API.
type AutomationConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	// ConnectTimeout bounds dialing and response headers, not the stream.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// OrchestratorConfig holds run limits.
type OrchestratorConfig struct {
	MaxConcurrency int           `yaml:"max_concurrency"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
	DispatchRate   float64       `yaml:"dispatch_rate"`
	DispatchBurst  int           `yaml:"dispatch_burst"`
}

// SynthesisConfig selects and configures the summary synthesizer.
type SynthesisConfig struct {
	// Provider is json, majority, unanimous or openai.
	Provider    string        `yaml:"provider"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Temperature float32       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RedisConfig enables snapshot publishing when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig configures `fanout serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// APIKeys enables bearer authentication on the run API when non-empty.
	APIKeys []string `yaml:"api_keys"`
	// RateLimit is requests per second per caller (0 disables limiting).
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	TracesEnabled bool              `yaml:"traces_enabled"`
	Exporter      string            `yaml:"exporter"`
	OTLPEndpoint  string            `yaml:"otlp_endpoint"`
	OTLPHeaders   map[string]string `yaml:"otlp_headers"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Synthesis providers.
const (
	ProviderJSON      = "json"
	ProviderMajority  = "majority"
	ProviderUnanimous = "unanimous"
	ProviderOpenAI    = "openai"
)

// Default returns a configuration with defaults applied and secrets read
// from the environment.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := readLimited(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Automation.ConnectTimeout == 0 {
		c.Automation.ConnectTimeout = 30 * time.Second
	}
	if c.Orchestrator.TaskTimeout == 0 {
		c.Orchestrator.TaskTimeout = 6 * time.Minute
	}
	if c.Orchestrator.DispatchRate > 0 && c.Orchestrator.DispatchBurst == 0 {
		c.Orchestrator.DispatchBurst = 1
	}
	if c.Synthesis.Provider == "" {
		c.Synthesis.Provider = ProviderJSON
	}
	if c.Synthesis.Timeout == 0 {
		c.Synthesis.Timeout = 90 * time.Second
	}
	if c.Synthesis.MaxTokens == 0 {
		c.Synthesis.MaxTokens = 1000
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Observability.Exporter == "" {
		c.Observability.Exporter = "otlp"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	// Load secrets from environment if not in config
	if c.Automation.APIKey == "" {
		c.Automation.APIKey = os.Getenv("TINYFISH_API_KEY")
	}
	if c.Synthesis.APIKey == "" {
		c.Synthesis.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if len(c.Server.APIKeys) == 0 {
		for _, k := range strings.Split(os.Getenv("FANOUT_API_KEYS"), ",") {
			if k = strings.TrimSpace(k); k != "" {
				c.Server.APIKeys = append(c.Server.APIKeys, k)
			}
		}
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst == 0 {
		c.Server.RateBurst = 5
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Automation.APIKey == "" {
		errs = append(errs, errors.New("automation.api_key is required (or set TINYFISH_API_KEY)"))
	}
	if c.Orchestrator.MaxConcurrency < 0 {
		errs = append(errs, errors.New("orchestrator.max_concurrency must not be negative"))
	}
	if c.Orchestrator.TaskTimeout < 0 {
		errs = append(errs, errors.New("orchestrator.task_timeout must not be negative"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Orchestrator.DispatchRate < 0 {
		errs = append(errs, errors.New("orchestrator.dispatch_rate must not be negative"))
	}

	switch c.Synthesis.Provider {
	case ProviderJSON, ProviderMajority, ProviderUnanimous:
	case ProviderOpenAI:
		if c.Synthesis.APIKey == "" {
			errs = append(errs, errors.New("synthesis.api_key is required for the openai provider (or set OPENAI_API_KEY)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown synthesis.provider %q", c.Synthesis.Provider))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Batch is a set of requests run together, with the query used for the summary.
type Batch struct {
	Query    string         `yaml:"query" json:"query"`
	Requests []task.Request `yaml:"requests" json:"requests"`
}

// LoadBatch reads a YAML (or JSON) batch file. Use "-" for stdin.
func LoadBatch(path string) (*Batch, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(io.LimitReader(os.Stdin, maxFileSize+1))
		if err == nil && len(data) > maxFileSize {
			err = errors.New("batch input too large")
		}
	} else {
		data, err = readLimited(path)
	}
	if err != nil {
		return nil, err
	}

	var b Batch
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse batch: %w", err)
	}
	if len(b.Requests) == 0 {
		return nil, errors.New("batch has no requests")
	}
	for i, r := range b.Requests {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("batch request %d: %w", i, err)
		}
	}
	return &b, nil
}

func readLimited(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("file %s too large: %d bytes (max %d)", path, info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}
