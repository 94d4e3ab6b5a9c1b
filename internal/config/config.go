package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every setting, e.g. SURGEON_API_BASE_URL.
const EnvPrefix = "SURGEON"

type Config struct {
	Env string `mapstructure:"ENV"`

	APIBaseURL string `mapstructure:"API_BASE_URL"`
	APITimeout int    `mapstructure:"API_TIMEOUT"`

	LLMProvider     string  `mapstructure:"LLM_PROVIDER"`
	LLMBaseURL      string  `mapstructure:"LLM_BASE_URL"`
	LLMModel        string  `mapstructure:"LLM_MODEL"`
	LLMTemperature  float64 `mapstructure:"LLM_TEMPERATURE"`
	LLMMaxTokens    int     `mapstructure:"LLM_MAX_TOKENS"`
	LLMAPIKey       string  `mapstructure:"LLM_API_KEY"`
	AnthropicAPIKey string  `mapstructure:"ANTHROPIC_API_KEY"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	Debug     bool   `mapstructure:"DEBUG"`

	LedgerPath   string `mapstructure:"LEDGER_PATH"`
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`

	ServerAddr           string `mapstructure:"SERVER_ADDR"`
	IdempotencyCacheSize int    `mapstructure:"IDEMPOTENCY_CACHE_SIZE"`
}

var defaults = map[string]any{
	"ENV":                    "development",
	"API_BASE_URL":           "http://127.0.0.1:8000",
	"API_TIMEOUT":            30,
	"LLM_PROVIDER":           "openai",
	"LLM_BASE_URL":           "http://127.0.0.1:1234",
	"LLM_MODEL":              "lmstudio-community/qwen2.5-14b-instruct",
	"LLM_TEMPERATURE":        0.1,
	"LLM_MAX_TOKENS":         2000,
	"LOG_LEVEL":              "info",
	"LOG_FORMAT":             "",
	"DEBUG":                  false,
	"LEDGER_PATH":            "intake-ledger.db",
	"SERVER_ADDR":            ":8095",
	"IDEMPOTENCY_CACHE_SIZE": 512,
}

var unprefixed = []string{"LLM_API_KEY", "ANTHROPIC_API_KEY", "OTLP_ENDPOINT"}

// Load reads .env from the working directory, if present, then the process
// environment.
func Load() (*Config, error) {
	return LoadFile(".env")
}

func LoadFile(envFile string) (*Config, error) {
	if envFile != "" {
		// A missing file is fine; variables already set are not overridden.
		_ = godotenv.Load(envFile)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	for key, val := range defaults {
		v.SetDefault(key, val)
		_ = v.BindEnv(key)
	}
	// Provider keys are also honored under their conventional names.
	for _, key := range unprefixed {
		_ = v.BindEnv(key, EnvPrefix+"_"+key, key)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.LLMProvider = strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
		if cfg.IsDev() {
			cfg.LogFormat = "console"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.LLMProvider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER must be openai or anthropic, got %q", c.LLMProvider))
	}
	if c.APITimeout <= 0 {
		errs = append(errs, fmt.Errorf("API_TIMEOUT must be positive, got %d", c.APITimeout))
	}
	if c.LLMTemperature < 0 || c.LLMTemperature > 1 {
		errs = append(errs, fmt.Errorf("LLM_TEMPERATURE must be within [0,1], got %v", c.LLMTemperature))
	}
	if c.LLMMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("LLM_MAX_TOKENS must be positive, got %d", c.LLMMaxTokens))
	}
	if c.LLMProvider == "anthropic" && c.AnthropicAPIKey == "" {
		errs = append(errs, errors.New("ANTHROPIC_API_KEY is required when LLM_PROVIDER=anthropic"))
	}
	if err := checkURL("API_BASE_URL", c.APIBaseURL); err != nil {
		errs = append(errs, err)
	}
	if c.LLMProvider == "openai" {
		if err := checkURL("LLM_BASE_URL", c.LLMBaseURL); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}
	if c.IdempotencyCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_CACHE_SIZE must be positive, got %d", c.IdempotencyCacheSize))
	}
	return errors.Join(errs...)
}

func checkURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL, got %q", key, raw)
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// IsDev picks human-readable defaults, such as console logs.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
