package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

const ServiceName = "case-intake"

type LogOptions struct {
	Level  string
	Format string // console or json
	Out    io.Writer
}

// InitLogger replaces the global zerolog logger and makes it the fallback
// for log.Ctx on contexts that carry no logger.
func InitLogger(opts LogOptions) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if opts.Format == "json" {
		logger = zerolog.New(out).With().Timestamp().Str("service", ServiceName).Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", ServiceName).Logger()
	}
	logger = logger.Level(level)

	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}

// LoggerFromContext returns the context logger with trace and span ids when a
// span is active.
func LoggerFromContext(ctx context.Context) *zerolog.Logger {
	logger := *log.Ctx(ctx)
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.IsValid() {
		logger = logger.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &logger
}
