package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultAnthropicModel = anthropic.ModelClaudeSonnet4_20250514

type AnthropicCaller struct {
	messages AnthropicMessager
	model    anthropic.Model
}

type AnthropicMessager interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

type AnthropicClientCreator func(apiKey string, timeout time.Duration) AnthropicMessager

func defaultAnthropicCreator(apiKey string, timeout time.Duration) AnthropicMessager {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the caller; intake never retries a model call.
		option.WithMaxRetries(0),
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	c := anthropic.NewClient(opts...)
	return &c.Messages
}

var newAnthropicClient AnthropicClientCreator = defaultAnthropicCreator

func NewAnthropicCaller(apiKey, model string, timeout time.Duration) (*AnthropicCaller, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY not configured")
	}
	m := anthropic.Model(strings.TrimSpace(model))
	if m == "" || !strings.HasPrefix(string(m), "claude") {
		m = defaultAnthropicModel
	}
	return &AnthropicCaller{messages: newAnthropicClient(apiKey, timeout), model: m}, nil
}

func (a *AnthropicCaller) Complete(ctx context.Context, req Request) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.anthropic_messages")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", string(a.model)))

	params := anthropic.MessageNewParams{
		Model:       a.model,
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.User))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	resp, err := a.messages.New(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "messages request failed")
		out := &Error{Provider: ProviderAnthropic, Err: err}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			out.Status = apiErr.StatusCode
		}
		return "", out
	}
	var sb strings.Builder
	for _, b := range resp.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}
