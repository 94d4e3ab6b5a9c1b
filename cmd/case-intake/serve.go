package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joelkehle/case-intake/internal/httpapi"
	"github.com/spf13/cobra"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the intake pipeline over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, ctx, err := setup(ctx, flags)
			if err != nil {
				return err
			}
			defer a.Close(ctx)
			if addr == "" {
				addr = a.cfg.ServerAddr
			}

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			var journal httpapi.Journal
			if a.journal != nil {
				journal = a.journal
			}
			h, err := httpapi.NewServer(orch, journal, a.cfg.IdempotencyCacheSize)
			if err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           h,
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
			}
			errc := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", addr).Bool("ledger", a.journal != nil).Msg("case-intake listening")
				errc <- srv.ListenAndServe()
			}()

			select {
			case err := <-errc:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}
			a.logger.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides SERVER_ADDR)")
	return cmd
}
