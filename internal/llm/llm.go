package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Caller sends one non-streaming completion request and returns the text.
type Caller interface {
	Complete(ctx context.Context, req Request) (string, error)
}

type Config struct {
	Provider        string
	BaseURL         string
	Model           string
	APIKey          string
	AnthropicAPIKey string
	Timeout         time.Duration
}

func New(cfg Config) (Caller, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", ProviderOpenAI:
		return NewChatCompletionsCaller(cfg.BaseURL, cfg.Model, cfg.APIKey, cfg.Timeout), nil
	case ProviderAnthropic:
		return NewAnthropicCaller(cfg.AnthropicAPIKey, cfg.Model, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// Error is a transport-level failure talking to a model endpoint.
type Error struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	switch {
	case e.Status > 0 && e.Err != nil:
		return fmt.Sprintf("%s: status=%d: %v", e.Provider, e.Status, e.Err)
	case e.Status > 0:
		return fmt.Sprintf("%s: status=%d body=%s", e.Provider, e.Status, truncate(e.Body, 500))
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// StripCodeFences removes one surrounding markdown fence, which models add
// even when asked for bare JSON.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
	}
	return s
}

var errEmptyChoices = errors.New("response has no choices")

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
