package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8000", cfg.APIBaseURL)
	require.Equal(t, 30*time.Second, cfg.Timeout())
	require.Equal(t, "openai", cfg.LLMProvider)
	require.Equal(t, "http://127.0.0.1:1234", cfg.LLMBaseURL)
	require.Equal(t, "lmstudio-community/qwen2.5-14b-instruct", cfg.LLMModel)
	require.InDelta(t, 0.1, cfg.LLMTemperature, 1e-9)
	require.Equal(t, 2000, cfg.LLMMaxTokens)
	require.Equal(t, "intake-ledger.db", cfg.LedgerPath)
	require.Equal(t, 512, cfg.IdempotencyCacheSize)
	require.True(t, cfg.IsDev())
	require.Equal(t, "console", cfg.LogFormat)
}

func TestLogFormatFollowsEnv(t *testing.T) {
	t.Setenv("SURGEON_ENV", "production")
	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.False(t, cfg.IsDev())
	require.Equal(t, "json", cfg.LogFormat)

	t.Setenv("SURGEON_LOG_FORMAT", "console")
	cfg, err = LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "console", cfg.LogFormat)
}

func TestLoadPrefixedEnv(t *testing.T) {
	t.Setenv("SURGEON_API_BASE_URL", "https://emr.example.org")
	t.Setenv("SURGEON_API_TIMEOUT", "5")
	t.Setenv("SURGEON_LLM_TEMPERATURE", "0")
	t.Setenv("SURGEON_LOG_FORMAT", "JSON")
	t.Setenv("SURGEON_LEDGER_PATH", "")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	require.Equal(t, "https://emr.example.org", cfg.APIBaseURL)
	require.Equal(t, 5*time.Second, cfg.Timeout())
	require.Zero(t, cfg.LLMTemperature)
	require.Equal(t, "json", cfg.LogFormat)
	require.Empty(t, cfg.LedgerPath)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SURGEON_LLM_PROVIDER=anthropic\nANTHROPIC_API_KEY=sk-test\nSURGEON_LLM_MODEL=claude-sonnet-4-20250514\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("SURGEON_LLM_PROVIDER")
		os.Unsetenv("ANTHROPIC_API_KEY")
		os.Unsetenv("SURGEON_LLM_MODEL")
	})

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "anthropic", cfg.LLMProvider)
	require.Equal(t, "sk-test", cfg.AnthropicAPIKey)
	require.Equal(t, "claude-sonnet-4-20250514", cfg.LLMModel)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			APIBaseURL:           "http://127.0.0.1:8000",
			APITimeout:           30,
			LLMProvider:          "openai",
			LLMBaseURL:           "http://127.0.0.1:1234",
			LLMTemperature:       0.1,
			LLMMaxTokens:         2000,
			LogFormat:            "console",
			IdempotencyCacheSize: 1,
		}
	}
	require.NoError(t, valid().Validate())

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "provider", mutate: func(c *Config) { c.LLMProvider = "gemini" }, want: "LLM_PROVIDER"},
		{name: "timeout", mutate: func(c *Config) { c.APITimeout = 0 }, want: "API_TIMEOUT"},
		{name: "temperature", mutate: func(c *Config) { c.LLMTemperature = 1.5 }, want: "LLM_TEMPERATURE"},
		{name: "max tokens", mutate: func(c *Config) { c.LLMMaxTokens = -1 }, want: "LLM_MAX_TOKENS"},
		{name: "anthropic key", mutate: func(c *Config) { c.LLMProvider = "anthropic" }, want: "ANTHROPIC_API_KEY"},
		{name: "api url", mutate: func(c *Config) { c.APIBaseURL = "localhost:8000" }, want: "API_BASE_URL"},
		{name: "llm url", mutate: func(c *Config) { c.LLMBaseURL = "" }, want: "LLM_BASE_URL"},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }, want: "LOG_FORMAT"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}
