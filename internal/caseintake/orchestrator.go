package caseintake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joelkehle/case-intake/internal/backend"
	"github.com/joelkehle/case-intake/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/joelkehle/case-intake/internal/caseintake"

var errInvalidPatientID = errors.New("search result has no positive patient id")

type Extractor interface {
	Normalize(ctx context.Context, rawText string) (ExtractionResult, error)
}

// Backend is the system of record. It owns ids and MRN uniqueness.
type Backend interface {
	SearchPatients(ctx context.Context, query string) ([]backend.Patient, error)
	CreatePatient(ctx context.Context, in backend.PatientCreate) (int64, error)
	CreateEncounter(ctx context.Context, in backend.EncounterCreate) (int64, error)
	CreateResearchCase(ctx context.Context, slug string, in backend.ResearchCaseCreate) (int64, error)
}

// Run is a snapshot of one orchestrator invocation, handed to observers.
type Run struct {
	IntakeID       string
	SessionID      string
	Attempt        int
	StartedAt      time.Time
	RawNoteChars   int
	LastStage      Stage
	MRN            string
	ProcedureType  string
	SurgeryDate    string
	Laterality     string
	Attending      string
	PatientID      int64
	PatientCreated bool
	EncounterID    int64
	ResearchCaseID int64
}

// Observer receives progress for bookkeeping. Implementations must not
// block the intake on their own failures.
type Observer interface {
	IntakeStarted(ctx context.Context, run Run)
	StageCompleted(ctx context.Context, run Run, stage Stage)
	IntakeFinished(ctx context.Context, run Run, err error)
}

type nopObserver struct{}

func (nopObserver) IntakeStarted(context.Context, Run)         {}
func (nopObserver) StageCompleted(context.Context, Run, Stage) {}
func (nopObserver) IntakeFinished(context.Context, Run, error) {}

type StageProgressFn func(stage Stage, message string)

type RunOptions struct {
	SessionID string
	Attempt   int
	Progress  StageProgressFn
}

type Orchestrator struct {
	extractor Extractor
	backend   Backend
	observer  Observer
	now       func() time.Time
}

func NewOrchestrator(extractor Extractor, be Backend, observer Observer) *Orchestrator {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Orchestrator{extractor: extractor, backend: be, observer: observer, now: time.Now}
}

// CreateCaseFromRaw runs normalize, gatekeep, find-or-create patient, create
// encounter and create research case, strictly in that order. Nothing is
// rolled back: a failure after the patient stage leaves earlier rows in place.
func (o *Orchestrator) CreateCaseFromRaw(ctx context.Context, rawText string) (Result, error) {
	return o.CreateCaseFromRawWithOptions(ctx, rawText, RunOptions{})
}

func (o *Orchestrator) CreateCaseFromRawWithOptions(ctx context.Context, rawText string, opts RunOptions) (Result, error) {
	run := Run{
		IntakeID:     uuid.NewString(),
		SessionID:    opts.SessionID,
		Attempt:      opts.Attempt,
		StartedAt:    o.now(),
		RawNoteChars: len(rawText),
	}
	if run.SessionID == "" {
		run.SessionID = run.IntakeID
	}
	if run.Attempt <= 0 {
		run.Attempt = 1
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "caseintake.create_case")
	defer span.End()
	span.SetAttributes(attribute.String("intake.id", run.IntakeID), attribute.Int("intake.attempt", run.Attempt))

	base := log.Ctx(ctx).With().Str("intake_id", run.IntakeID).Int("attempt", run.Attempt).Logger()
	ctx = base.WithContext(ctx)
	logger := observability.LoggerFromContext(ctx)
	logger.Info().Msg("starting case intake")
	o.observer.IntakeStarted(ctx, run)

	res, err := o.run(ctx, &run, rawText, opts.Progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Kind(err)))
		logger.Error().Err(err).Str("stage", string(StageOf(err))).Str("kind", string(Kind(err))).Msg("case intake failed")
		o.observer.IntakeFinished(ctx, run, err)
		return Result{IntakeID: run.IntakeID}, err
	}
	logger.Info().
		Int64("patient_id", res.PatientID).
		Int64("encounter_id", res.EncounterID).
		Int64("research_case_id", res.ResearchCaseID).
		Dur("elapsed", o.now().Sub(run.StartedAt)).
		Msg("case intake complete")
	o.observer.IntakeFinished(ctx, run, nil)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, run *Run, rawText string, progress StageProgressFn) (Result, error) {
	var extraction ExtractionResult
	err := o.stage(ctx, run, StageNormalize, progress, "Normalizing note with LLM", func(ctx context.Context) (err error) {
		extraction, err = o.extractor.Normalize(ctx, rawText)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var payload CasePayload
	err = o.stage(ctx, run, StageGatekeep, progress, "Checking required fields", func(context.Context) (err error) {
		payload, err = ToPayload(extraction)
		if err != nil {
			return err
		}
		f := payload.f
		run.MRN = f.MRN
		run.ProcedureType = f.ProcedureType
		run.SurgeryDate = f.EncounterDate.String()
		run.Laterality = deref(f.Laterality)
		run.Attending = deref(f.AttendingPhysician)
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	err = o.stage(ctx, run, StagePatient, progress, fmt.Sprintf("Finding or creating patient (MRN=%s)", payload.MRN()), func(ctx context.Context) (err error) {
		run.PatientID, run.PatientCreated, err = o.findOrCreatePatient(ctx, payload)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = o.stage(ctx, run, StageEncounter, progress, fmt.Sprintf("Creating encounter for patient %d", run.PatientID), func(ctx context.Context) (err error) {
		run.EncounterID, err = o.createEncounter(ctx, run.PatientID, payload)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	err = o.stage(ctx, run, StageResearchCase, progress, fmt.Sprintf("Creating research case (type=%s)", payload.ProcedureType()), func(ctx context.Context) (err error) {
		run.ResearchCaseID, err = o.createResearchCase(ctx, run.EncounterID, payload)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	return Result{
		IntakeID:       run.IntakeID,
		PatientID:      run.PatientID,
		PatientCreated: run.PatientCreated,
		EncounterID:    run.EncounterID,
		ResearchCaseID: run.ResearchCaseID,
		ProcedureType:  payload.ProcedureType(),
		RawNote:        payload.f.RawNote,
		Payload:        payload,
	}, nil
}

// stage runs fn under its own span and wraps any failure with the stage label.
func (o *Orchestrator) stage(ctx context.Context, run *Run, stage Stage, progress StageProgressFn, msg string, fn func(context.Context) error) error {
	if progress != nil {
		progress(stage, msg)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "caseintake."+string(stage))
	defer span.End()

	// Stage lines carry the stage span's ids, not the intake span's.
	logger := observability.LoggerFromContext(ctx).With().Str("stage", string(stage)).Logger()
	ctx = logger.WithContext(ctx)
	start := o.now()
	logger.Debug().Msg("stage started")

	run.LastStage = stage
	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(Kind(err)))
		logger.Warn().Err(err).Dur("elapsed", o.now().Sub(start)).Msg("stage failed")
		return &CaseIntakeError{Stage: stage, Err: err}
	}
	logger.Debug().Dur("elapsed", o.now().Sub(start)).Msg("stage complete")
	o.observer.StageCompleted(ctx, *run, stage)
	return nil
}

// findOrCreatePatient reuses the first search hit. The backend search is a
// substring match, so a short MRN can resolve to a different patient.
func (o *Orchestrator) findOrCreatePatient(ctx context.Context, payload CasePayload) (int64, bool, error) {
	f := payload.f
	hits, err := o.backend.SearchPatients(ctx, f.MRN)
	if err != nil {
		return 0, false, &TransportError{Target: "backend", Op: "search patients", Err: err}
	}
	if len(hits) > 0 {
		if hits[0].ID <= 0 {
			return 0, false, &TransportError{Target: "backend", Op: "search patients", Err: errInvalidPatientID}
		}
		zerolog.Ctx(ctx).Info().Int64("patient_id", hits[0].ID).Int("hits", len(hits)).Msg("reusing existing patient")
		return hits[0].ID, false, nil
	}

	id, err := o.backend.CreatePatient(ctx, backend.PatientCreate{
		MRN:         f.MRN,
		DateOfBirth: f.DateOfBirth.String(),
		Sex:         f.Sex,
		FirstName:   f.FirstName,
		MiddleName:  f.MiddleName,
		LastName:    f.LastName,
	})
	if err != nil {
		return 0, false, &TransportError{Target: "backend", Op: "create patient", Err: err}
	}
	zerolog.Ctx(ctx).Info().Int64("patient_id", id).Msg("created patient")
	return id, true, nil
}

func (o *Orchestrator) createEncounter(ctx context.Context, patientID int64, payload CasePayload) (int64, error) {
	f := payload.f
	id, err := o.backend.CreateEncounter(ctx, backend.EncounterCreate{
		PatientID:          patientID,
		EncounterType:      f.EncounterType,
		EncounterDate:      f.EncounterDate.String(),
		ChiefComplaint:     f.ChiefComplaint,
		Location:           f.Location,
		AttendingPhysician: f.AttendingPhysician,
		Status:             f.Status,
		Notes:              f.Notes,
	})
	if err != nil {
		return 0, &TransportError{Target: "backend", Op: "create encounter", Err: err}
	}
	return id, nil
}

func (o *Orchestrator) createResearchCase(ctx context.Context, encounterID int64, payload CasePayload) (int64, error) {
	f := payload.f
	slug := ResearchCaseSlug(f.ProcedureType)
	id, err := o.backend.CreateResearchCase(ctx, slug, backend.ResearchCaseCreate{
		EncounterID: encounterID,
		FellowOrPA:  f.FellowOrPA,
		Attending:   f.AttendingPhysician,
		MRN:         stringPtr(f.MRN),
		FirstName:   f.FirstName,
		LastName:    f.LastName,
		DOB:         stringPtr(f.DateOfBirth.String()),
		SurgeryDate: stringPtr(f.EncounterDate.String()),
		Laterality:  f.Laterality,
	})
	if err != nil {
		return 0, &TransportError{Target: "backend", Op: "create research case " + slug, Err: err}
	}
	return id, nil
}

// ResearchCaseSlug maps a procedure type to its research-case route. Unknown
// types land in "other".
func ResearchCaseSlug(procedureType string) string {
	if p, err := ParseProcedureType(procedureType); err == nil {
		return string(p)
	}
	return string(ProcedureOther)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
