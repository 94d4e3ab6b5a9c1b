// Package ledger journals every intake run to SQLite so that partially
// completed intakes can be found after the fact.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joelkehle/case-intake/internal/caseintake"
	_ "modernc.org/sqlite"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

var ErrNotFound = errors.New("intake not found")

const schema = `
CREATE TABLE IF NOT EXISTS intakes (
	intake_id        TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL DEFAULT '',
	attempt          INTEGER NOT NULL DEFAULT 1,
	status           TEXT NOT NULL DEFAULT 'running',
	started_at       TEXT NOT NULL,
	completed_at     TEXT NOT NULL DEFAULT '',
	last_stage       TEXT NOT NULL DEFAULT '',
	failed_stage     TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	error_message    TEXT NOT NULL DEFAULT '',
	mrn              TEXT NOT NULL DEFAULT '',
	procedure_type   TEXT NOT NULL DEFAULT '',
	surgery_date     TEXT NOT NULL DEFAULT '',
	laterality       TEXT NOT NULL DEFAULT '',
	attending        TEXT NOT NULL DEFAULT '',
	patient_id       INTEGER NOT NULL DEFAULT 0,
	patient_created  INTEGER NOT NULL DEFAULT 0,
	encounter_id     INTEGER NOT NULL DEFAULT 0,
	research_case_id INTEGER NOT NULL DEFAULT 0,
	raw_note_chars   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS intakes_started_at ON intakes (started_at);
CREATE INDEX IF NOT EXISTS intakes_session ON intakes (session_id, attempt);
`

const selectColumns = `intake_id, session_id, attempt, status, started_at, completed_at,
	last_stage, failed_stage, error_kind, error_message, mrn, procedure_type,
	surgery_date, laterality, attending, patient_id, patient_created,
	encounter_id, research_case_id, raw_note_chars`

// Entry is one orchestrator run.
type Entry struct {
	IntakeID       string     `json:"intake_id"`
	SessionID      string     `json:"session_id"`
	Attempt        int        `json:"attempt"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LastStage      string     `json:"last_stage,omitempty"`
	FailedStage    string     `json:"failed_stage,omitempty"`
	ErrorKind      string     `json:"error_kind,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	MRN            string     `json:"mrn,omitempty"`
	ProcedureType  string     `json:"procedure_type,omitempty"`
	SurgeryDate    string     `json:"surgery_date,omitempty"`
	Laterality     string     `json:"laterality,omitempty"`
	Attending      string     `json:"attending,omitempty"`
	PatientID      int64      `json:"patient_id,omitempty"`
	PatientCreated bool       `json:"patient_created"`
	EncounterID    int64      `json:"encounter_id,omitempty"`
	ResearchCaseID int64      `json:"research_case_id,omitempty"`
	RawNoteChars   int        `json:"raw_note_chars"`
	// Stale marks a run still "running" long after any live intake would
	// have finished, usually because the process died mid-pipeline.
	Stale bool `json:"stale,omitempty"`
}

// Orphan names the record a failed or stale run left behind without its
// dependent record: "patient", "encounter", or "" when nothing dangles.
func (e Entry) Orphan() string {
	if e.Status != StatusFailed && !(e.Status == StatusRunning && e.Stale) {
		return ""
	}
	switch {
	case e.EncounterID > 0 && e.ResearchCaseID == 0:
		return "encounter"
	case e.PatientCreated && e.PatientID > 0 && e.EncounterID == 0:
		return "patient"
	default:
		return ""
	}
}

type entryRow struct {
	IntakeID       string `db:"intake_id"`
	SessionID      string `db:"session_id"`
	Attempt        int    `db:"attempt"`
	Status         string `db:"status"`
	StartedAt      string `db:"started_at"`
	CompletedAt    string `db:"completed_at"`
	LastStage      string `db:"last_stage"`
	FailedStage    string `db:"failed_stage"`
	ErrorKind      string `db:"error_kind"`
	ErrorMessage   string `db:"error_message"`
	MRN            string `db:"mrn"`
	ProcedureType  string `db:"procedure_type"`
	SurgeryDate    string `db:"surgery_date"`
	Laterality     string `db:"laterality"`
	Attending      string `db:"attending"`
	PatientID      int64  `db:"patient_id"`
	PatientCreated int    `db:"patient_created"`
	EncounterID    int64  `db:"encounter_id"`
	ResearchCaseID int64  `db:"research_case_id"`
	RawNoteChars   int    `db:"raw_note_chars"`
}

func (r entryRow) entry() Entry {
	e := Entry{
		IntakeID:       r.IntakeID,
		SessionID:      r.SessionID,
		Attempt:        r.Attempt,
		Status:         r.Status,
		LastStage:      r.LastStage,
		FailedStage:    r.FailedStage,
		ErrorKind:      r.ErrorKind,
		ErrorMessage:   r.ErrorMessage,
		MRN:            r.MRN,
		ProcedureType:  r.ProcedureType,
		SurgeryDate:    r.SurgeryDate,
		Laterality:     r.Laterality,
		Attending:      r.Attending,
		PatientID:      r.PatientID,
		PatientCreated: r.PatientCreated != 0,
		EncounterID:    r.EncounterID,
		ResearchCaseID: r.ResearchCaseID,
		RawNoteChars:   r.RawNoteChars,
	}
	e.StartedAt, _ = time.Parse(time.RFC3339Nano, r.StartedAt)
	if r.CompletedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, r.CompletedAt); err == nil {
			e.CompletedAt = &t
		}
	}
	return e
}

// DefaultStaleAfter is how long a run may stay "running" before it is
// treated as abandoned.
const DefaultStaleAfter = 10 * time.Minute

type Store struct {
	db         *sqlx.DB
	mu         sync.Mutex
	now        func() time.Time
	staleAfter time.Duration
}

func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, now: time.Now, staleAfter: DefaultStaleAfter}, nil
}

// SetStaleAfter changes the abandonment threshold. Non-positive values
// restore the default.
func (s *Store) SetStaleAfter(d time.Duration) {
	if d <= 0 {
		d = DefaultStaleAfter
	}
	s.staleAfter = d
}

func (s *Store) Close() error {
	return s.db.Close()
}

func timeToString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) Start(ctx context.Context, run caseintake.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO intakes (intake_id, session_id, attempt, status, started_at, raw_note_chars)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.IntakeID, run.SessionID, run.Attempt, StatusRunning, timeToString(started), run.RawNoteChars)
	return err
}

// Progress records whatever the run has learned so far.
func (s *Store) Progress(ctx context.Context, run caseintake.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveProgress(ctx, run)
}

func (s *Store) saveProgress(ctx context.Context, run caseintake.Run) error {
	res, err := s.db.ExecContext(ctx, `UPDATE intakes SET
		last_stage = ?, mrn = ?, procedure_type = ?, surgery_date = ?, laterality = ?, attending = ?,
		patient_id = ?, patient_created = ?, encounter_id = ?, research_case_id = ?
		WHERE intake_id = ?`,
		string(run.LastStage), run.MRN, run.ProcedureType, run.SurgeryDate, run.Laterality, run.Attending,
		run.PatientID, boolToInt(run.PatientCreated), run.EncounterID, run.ResearchCaseID,
		run.IntakeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, run.IntakeID)
	}
	return nil
}

// Finish closes the run. A nil runErr marks it succeeded.
func (s *Store) Finish(ctx context.Context, run caseintake.Run, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveProgress(ctx, run); err != nil {
		return err
	}
	status, stage, kind, msg := StatusSucceeded, "", "", ""
	if runErr != nil {
		status = StatusFailed
		stage = string(caseintake.StageOf(runErr))
		kind = string(caseintake.Kind(runErr))
		msg = runErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE intakes SET status = ?, completed_at = ?, failed_stage = ?, error_kind = ?, error_message = ?
		WHERE intake_id = ?`,
		status, timeToString(s.now()), stage, kind, msg, run.IntakeID)
	return err
}

func (s *Store) Get(ctx context.Context, intakeID string) (Entry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `SELECT `+selectColumns+` FROM intakes WHERE intake_id = ?`, intakeID)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, intakeID)
	}
	if err != nil {
		return Entry{}, err
	}
	return s.entry(row), nil
}

// Recent returns the newest runs first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM intakes ORDER BY started_at DESC LIMIT ?`, limit)
}

// Orphans lists failed or stale runs that left a created patient without an
// encounter, or an encounter without a research case. Nothing is compensated
// automatically; this is the list an operator reconciles by hand.
func (s *Store) Orphans(ctx context.Context) ([]Entry, error) {
	candidates, err := s.query(ctx, `SELECT `+selectColumns+` FROM intakes
		WHERE status IN (?, ?)
		AND ((patient_created = 1 AND patient_id > 0 AND encounter_id = 0)
			OR (encounter_id > 0 AND research_case_id = 0))
		ORDER BY started_at`, StatusFailed, StatusRunning)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, e := range candidates {
		if e.Orphan() != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	var rows []entryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, s.entry(r))
	}
	return out, nil
}

// entry converts a row and flags runs that have been running too long.
// started_at is compared after parsing; RFC3339Nano strings do not sort
// lexically within a second.
func (s *Store) entry(r entryRow) Entry {
	e := r.entry()
	if e.Status == StatusRunning && !e.StartedAt.IsZero() {
		e.Stale = s.now().Sub(e.StartedAt) > s.staleAfter
	}
	return e
}
