package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joelkehle/case-intake/internal/backend"
	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/joelkehle/case-intake/internal/config"
	"github.com/joelkehle/case-intake/internal/ledger"
	"github.com/joelkehle/case-intake/internal/llm"
	"github.com/joelkehle/case-intake/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	envFile  string
	debug    bool
	logLevel string
}

// exitCodeError carries a process exit status out of a command without
// printing anything further.
type exitCodeError int

func (e exitCodeError) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "case-intake",
		Short:         "Turn surgical dictation into patient, encounter and research case records",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file to load before the environment")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "debug logging and full error chains")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(addCmd(flags))
	rootCmd.AddCommand(serveCmd(flags))
	rootCmd.AddCommand(ledgerCmd(flags))
	rootCmd.AddCommand(receiptCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		var code exitCodeError
		if errors.As(err, &code) {
			os.Exit(int(code))
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	journal  *ledger.Store
	shutdown func(context.Context) error
}

func setup(ctx context.Context, flags *globalFlags) (*app, context.Context, error) {
	cfg, err := config.LoadFile(flags.envFile)
	if err != nil {
		return nil, ctx, fmt.Errorf("config: %w", err)
	}
	if flags.debug {
		cfg.Debug = true
	}
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	if cfg.Debug {
		level = "debug"
	}
	logger := observability.InitLogger(observability.LogOptions{Level: level, Format: cfg.LogFormat})
	ctx = logger.WithContext(ctx)

	shutdown, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return nil, ctx, fmt.Errorf("tracing: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, shutdown: shutdown}
	if cfg.LedgerPath != "" {
		store, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			_ = shutdown(ctx)
			return nil, ctx, fmt.Errorf("ledger %s: %w", cfg.LedgerPath, err)
		}
		// One model call and up to four backend calls, each bounded by the timeout.
		store.SetStaleAfter(6 * cfg.Timeout())
		a.journal = store
	}
	return a, ctx, nil
}

func (a *app) Close(ctx context.Context) {
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close ledger")
		}
	}
	if err := a.shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn().Err(err).Msg("flush traces")
	}
}

func (a *app) requireLedger() (*ledger.Store, error) {
	if a.journal == nil {
		return nil, errors.New("the intake ledger is disabled (set SURGEON_LEDGER_PATH)")
	}
	return a.journal, nil
}

func (a *app) orchestrator() (*caseintake.Orchestrator, error) {
	caller, err := llm.New(llm.Config{
		Provider:        a.cfg.LLMProvider,
		BaseURL:         a.cfg.LLMBaseURL,
		Model:           a.cfg.LLMModel,
		APIKey:          a.cfg.LLMAPIKey,
		AnthropicAPIKey: a.cfg.AnthropicAPIKey,
		Timeout:         a.cfg.Timeout(),
	})
	if err != nil {
		return nil, err
	}
	normalizer := caseintake.NewNormalizer(caller, caseintake.NormalizerOptions{
		Temperature: a.cfg.LLMTemperature,
		MaxTokens:   a.cfg.LLMMaxTokens,
	})
	var observer caseintake.Observer
	if a.journal != nil {
		observer = a.journal.Observer()
	}
	client := backend.NewClient(a.cfg.APIBaseURL, a.cfg.Timeout())
	return caseintake.NewOrchestrator(normalizer, client, observer), nil
}
