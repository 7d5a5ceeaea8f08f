package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_FileSizeLimit(t *testing.T) {
	largeFile := writeFile(t, "large.yaml", strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := LoadConfig(largeFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestLoadConfig_ValidFile(t *testing.T) {
	t.Setenv("TINYFISH_API_KEY", "")
	path := writeFile(t, "valid.yaml", `
automation:
  api_key: tf-key
orchestrator:
  max_concurrency: 4
  task_timeout: 2m
  dispatch_rate: 2
synthesis:
  provider: openai
  api_key: sk-test
  model: gpt-4o
  temperature: 0.2
redis:
  addr: localhost:6379
logging:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tf-key", cfg.Automation.APIKey)
	assert.Equal(t, 4, cfg.Orchestrator.MaxConcurrency)
	assert.Equal(t, 2*time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, 1, cfg.Orchestrator.DispatchBurst)
	assert.Equal(t, ProviderOpenAI, cfg.Synthesis.Provider)
	assert.Equal(t, float32(0.2), cfg.Synthesis.Temperature)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TINYFISH_API_KEY", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := LoadConfig(writeFile(t, "empty.yaml", "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Automation.APIKey)
	assert.Equal(t, "sk-env", cfg.Synthesis.APIKey)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 6*time.Minute, cfg.Orchestrator.TaskTimeout)
	assert.Equal(t, ProviderJSON, cfg.Synthesis.Provider)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read file")

	_, err = LoadConfig(writeFile(t, "bad.yaml", "automation: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing api key", func(c *Config) { c.Automation.APIKey = "" }, "automation.api_key"},
		{"negative concurrency", func(c *Config) { c.Orchestrator.MaxConcurrency = -1 }, "max_concurrency"},
		{"negative rate", func(c *Config) { c.Orchestrator.DispatchRate = -1 }, "dispatch_rate"},
		{"unknown provider", func(c *Config) { c.Synthesis.Provider = "oracle" }, "unknown synthesis.provider"},
		{"openai without key", func(c *Config) {
			c.Synthesis.Provider = ProviderOpenAI
			c.Synthesis.APIKey = ""
		}, "synthesis.api_key"},
		{"majority", func(c *Config) { c.Synthesis.Provider = ProviderMajority }, ""},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			cfg.Automation.APIKey = "k"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadBatch(t *testing.T) {
	path := writeFile(t, "batch.yaml", `
query: Which shop has the switch in stock?
requests:
  - target: https://shop-a.example
    instruction: Find the Nintendo Switch price and stock
    options:
      browser_profile: stealth
      proxy_config:
        enabled: true
        country_code: US
  - target: https://shop-b.example
    instruction: Find the Nintendo Switch price and stock
`)

	b, err := LoadBatch(path)
	require.NoError(t, err)
	assert.Equal(t, "Which shop has the switch in stock?", b.Query)
	require.Len(t, b.Requests, 2)
	assert.Equal(t, "stealth", b.Requests[0].Options["browser_profile"])
	assert.Equal(t, map[string]any{"enabled": true, "country_code": "US"}, b.Requests[0].Options["proxy_config"])
	assert.Nil(t, b.Requests[1].Options)
}

func TestLoadBatchJSON(t *testing.T) {
	b, err := LoadBatch(writeFile(t, "batch.json", `{"requests":[{"target":"https://a","instruction":"look"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "https://a", b.Requests[0].Target)
}

func TestLoadBatchInvalid(t *testing.T) {
	_, err := LoadBatch(writeFile(t, "empty.yaml", "query: nothing\n"))
	assert.ErrorContains(t, err, "no requests")

	_, err = LoadBatch(writeFile(t, "blank.yaml", "requests:\n  - target: ''\n"))
	assert.ErrorContains(t, err, "batch request 0")
}

func TestLoadConfig_ServerAPIKeysFromEnv(t *testing.T) {
	t.Setenv("FANOUT_API_KEYS", " k1, ,k2 ")

	cfg, err := LoadConfig(writeFile(t, "server.yaml", "server:\n  rate_limit: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, 5, cfg.Server.RateBurst)

	cfg, err = LoadConfig(writeFile(t, "keys.yaml", "server:\n  api_keys: [from-file]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"from-file"}, cfg.Server.APIKeys)
}

func TestExampleFiles(t *testing.T) {
	t.Setenv("TINYFISH_API_KEY", "tf-key")
	t.Setenv("FANOUT_API_KEYS", "")

	cfg, err := LoadConfig(filepath.Join("..", "..", "examples", "fanout.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ProviderMajority, cfg.Synthesis.Provider)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrency)

	batch, err := LoadBatch(filepath.Join("..", "..", "examples", "batch.yaml"))
	require.NoError(t, err)
	assert.Len(t, batch.Requests, 3)
	assert.Equal(t, "stealth", batch.Requests[2].Options["browser_profile"])
}
