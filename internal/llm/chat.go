package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/joelkehle/case-intake/internal/llm"

// ChatCompletionsCaller talks to an OpenAI-compatible /v1/chat/completions
// endpoint, such as a local LM Studio instance.
type ChatCompletionsCaller struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
}

func NewChatCompletionsCaller(baseURL, model, apiKey string, timeout time.Duration) *ChatCompletionsCaller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ChatCompletionsCaller{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *ChatCompletionsCaller) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.chat_completions")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", c.model),
		attribute.Float64("llm.temperature", req.Temperature),
		attribute.Int("llm.max_tokens", req.MaxTokens),
	)

	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.User})
	blob, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	})
	if err != nil {
		return "", err
	}

	log.Ctx(ctx).Debug().Str("model", c.model).Float64("temperature", req.Temperature).Msg("calling chat completions")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(blob))
	if err != nil {
		return "", &Error{Provider: ProviderOpenAI, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return "", &Error{Provider: ProviderOpenAI, Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		span.SetStatus(codes.Error, fmt.Sprintf("status %d", resp.StatusCode))
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Body: string(body)}
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Body: string(body), Err: fmt.Errorf("invalid response envelope: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &Error{Provider: ProviderOpenAI, Status: resp.StatusCode, Body: string(body), Err: errEmptyChoices}
	}
	content := out.Choices[0].Message.Content
	log.Ctx(ctx).Debug().Int("chars", len(content)).Msg("chat completions response received")
	return content, nil
}
