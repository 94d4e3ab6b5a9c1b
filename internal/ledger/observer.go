package ledger

import (
	"context"

	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/rs/zerolog/log"
)

// Observer adapts the store to the orchestrator hook. Journal failures are
// logged and never fail the intake.
func (s *Store) Observer() caseintake.Observer {
	return observer{store: s}
}

type observer struct {
	store *Store
}

func (o observer) IntakeStarted(ctx context.Context, run caseintake.Run) {
	if err := o.store.Start(context.WithoutCancel(ctx), run); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("ledger: record start")
	}
}

func (o observer) StageCompleted(ctx context.Context, run caseintake.Run, stage caseintake.Stage) {
	if err := o.store.Progress(context.WithoutCancel(ctx), run); err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("stage", string(stage)).Msg("ledger: record progress")
	}
}

func (o observer) IntakeFinished(ctx context.Context, run caseintake.Run, runErr error) {
	if err := o.store.Finish(context.WithoutCancel(ctx), run, runErr); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("ledger: record finish")
	}
}
