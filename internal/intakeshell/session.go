// Package intakeshell hosts the operator-facing intake flow: read a note,
// confirm it, run the pipeline, and offer a single MRN repair.
package intakeshell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/rs/zerolog/log"
)

type State string

const (
	StateAwaitingInput        State = "AwaitingInput"
	StateAwaitingConfirmation State = "AwaitingConfirmation"
	StateRunning              State = "Running"
	StateAwaitingMRNRepair    State = "AwaitingMRNRepair"
	StateSucceeded            State = "Succeeded"
	StateAborted              State = "Aborted"
	StateFailed               State = "Failed"
)

// maxAttempts bounds pipeline runs per session: the original note plus one
// MRN-augmented retry.
const maxAttempts = 2

type Runner interface {
	CreateCaseFromRawWithOptions(ctx context.Context, rawText string, opts caseintake.RunOptions) (caseintake.Result, error)
}

type Options struct {
	// AssumeYes skips the confirmation prompt.
	AssumeYes bool
	// Debug prints every layer of a terminal error.
	Debug bool
	// OnSuccess runs after a case is created. Its error is reported but does
	// not change the outcome.
	OnSuccess func(ctx context.Context, res caseintake.Result) error
}

type Outcome struct {
	State    State
	Result   caseintake.Result
	Err      error
	Attempts int
}

// ExitCode is 0 for success and operator abort, 1 for any terminal failure.
func (o Outcome) ExitCode() int {
	if o.State == StateFailed {
		return 1
	}
	return 0
}

type Session struct {
	note    io.Reader
	prompts *bufio.Reader
	out     io.Writer
	runner  Runner
	opts    Options

	state    State
	attempts int
}

// NewSession reads the note from note until EOF and operator answers line by
// line from prompts. The two may be the same terminal.
func NewSession(note, prompts io.Reader, out io.Writer, runner Runner, opts Options) *Session {
	return &Session{
		note:    note,
		prompts: bufio.NewReader(prompts),
		out:     out,
		runner:  runner,
		opts:    opts,
		state:   StateAwaitingInput,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) Run(ctx context.Context) Outcome {
	fmt.Fprintln(s.out, "Paste the surgical note, then press Ctrl-D:")
	blob, err := io.ReadAll(s.note)
	if err != nil {
		return s.fail(fmt.Errorf("read note: %w", err))
	}
	note := string(blob)
	if strings.TrimSpace(note) == "" {
		fmt.Fprintln(s.out, "No input provided. Aborted.")
		return s.finish(StateAborted, caseintake.Result{}, nil)
	}

	s.state = StateAwaitingConfirmation
	fmt.Fprintln(s.out, "\n--- Input received ---")
	fmt.Fprintln(s.out, strings.TrimRight(note, "\n"))
	fmt.Fprintln(s.out, "----------------------")
	if !s.opts.AssumeYes {
		answer := s.ask("Add this case to the database? (yes/no): ")
		if strings.ToLower(answer) != "yes" {
			fmt.Fprintln(s.out, "Aborted.")
			return s.finish(StateAborted, caseintake.Result{}, nil)
		}
	}

	sessionID := uuid.NewString()
	ctx = log.Ctx(ctx).With().Str("session_id", sessionID).Logger().WithContext(ctx)

	raw := note
	for {
		s.state = StateRunning
		s.attempts++
		log.Ctx(ctx).Info().Int("attempt", s.attempts).Msg("running intake")
		res, err := s.runner.CreateCaseFromRawWithOptions(ctx, raw, caseintake.RunOptions{
			SessionID: sessionID,
			Attempt:   s.attempts,
			Progress:  s.progress,
		})
		if err == nil {
			s.reportSuccess(ctx, res)
			return s.finish(StateSucceeded, res, nil)
		}
		if !caseintake.MissingMRN(err) || s.attempts >= maxAttempts {
			return s.fail(err)
		}

		s.state = StateAwaitingMRNRepair
		fmt.Fprintln(s.out, "\nThe note has no MRN.")
		mrn := s.ask("Enter MRN: ")
		if mrn == "" {
			return s.fail(err)
		}
		raw = WithMRN(mrn, note)
	}
}

// WithMRN prepends an MRN line to the original note.
func WithMRN(mrn, note string) string {
	return "MRN: " + mrn + "\n" + note
}

func (s *Session) ask(prompt string) string {
	fmt.Fprint(s.out, prompt)
	line, err := s.prompts.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimSpace(line)
}

var stageSteps = map[caseintake.Stage]int{
	caseintake.StageNormalize:    1,
	caseintake.StageGatekeep:     2,
	caseintake.StagePatient:      3,
	caseintake.StageEncounter:    4,
	caseintake.StageResearchCase: 5,
}

func (s *Session) progress(stage caseintake.Stage, msg string) {
	fmt.Fprintf(s.out, "[%d/%d] %s\n", stageSteps[stage], len(stageSteps), msg)
}

func (s *Session) reportSuccess(ctx context.Context, res caseintake.Result) {
	patient := "existing"
	if res.PatientCreated {
		patient = "new"
	}
	fmt.Fprintln(s.out, "\nCase created.")
	fmt.Fprintf(s.out, "  Intake:        %s\n", res.IntakeID)
	fmt.Fprintf(s.out, "  Patient ID:    %d (%s)\n", res.PatientID, patient)
	fmt.Fprintf(s.out, "  Encounter ID:  %d\n", res.EncounterID)
	fmt.Fprintf(s.out, "  Research case: %d (%s)\n", res.ResearchCaseID, res.ProcedureType)
	if s.opts.OnSuccess != nil {
		if err := s.opts.OnSuccess(ctx, res); err != nil {
			fmt.Fprintf(s.out, "warning: %v\n", err)
		}
	}
}

func (s *Session) fail(err error) Outcome {
	kind := caseintake.Kind(err)
	if stage := caseintake.StageOf(err); stage != "" {
		fmt.Fprintf(s.out, "\nError [%s] at %s: %v\n", kind, stage, err)
	} else {
		fmt.Fprintf(s.out, "\nError [%s]: %v\n", kind, err)
	}
	if s.opts.Debug {
		WriteErrorChain(s.out, err)
	}
	return s.finish(StateFailed, caseintake.Result{}, err)
}

func (s *Session) finish(state State, res caseintake.Result, err error) Outcome {
	s.state = state
	return Outcome{State: state, Result: res, Err: err, Attempts: s.attempts}
}

// WriteErrorChain prints each wrapped layer of err with its concrete type.
func WriteErrorChain(w io.Writer, err error) {
	fmt.Fprintln(w, "error chain:")
	for depth := 0; err != nil; depth++ {
		fmt.Fprintf(w, "  %d. %T: %v\n", depth, err, err)
		err = errors.Unwrap(err)
	}
}
