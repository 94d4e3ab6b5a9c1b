package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/joelkehle/case-intake/internal/caseintake"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 17, 9, 0, 0, 0, time.UTC)
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	store.now = func() time.Time { return now }
	t.Cleanup(func() { store.Close() })
	return store, &now
}

func encounterFailure() error {
	return &caseintake.CaseIntakeError{
		Stage: caseintake.StageEncounter,
		Err:   &caseintake.TransportError{Target: "backend", Op: "create encounter", Err: errors.New("status=500")},
	}
}

func TestStoreLifecycle(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	run := caseintake.Run{IntakeID: "i-1", SessionID: "s-1", Attempt: 1, StartedAt: *now, RawNoteChars: 120}
	require.NoError(t, store.Start(ctx, run))

	got, err := store.Get(ctx, "i-1")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, got.Status)
	require.Nil(t, got.CompletedAt)
	require.True(t, got.StartedAt.Equal(*now))

	run.LastStage = caseintake.StagePatient
	run.MRN = "778899"
	run.ProcedureType = "rotator-cuff"
	run.PatientID = 11
	run.PatientCreated = true
	require.NoError(t, store.Progress(ctx, run))

	*now = now.Add(2 * time.Second)
	run.LastStage = caseintake.StageResearchCase
	run.EncounterID = 21
	run.ResearchCaseID = 31
	require.NoError(t, store.Finish(ctx, run, nil))

	got, err = store.Get(ctx, "i-1")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, "778899", got.MRN)
	require.Equal(t, int64(31), got.ResearchCaseID)
	require.True(t, got.PatientCreated)
	require.Empty(t, got.Orphan())
	require.Equal(t, 120, got.RawNoteChars)
}

func TestStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestProgressUnknownIntake(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Progress(context.Background(), caseintake.Run{IntakeID: "ghost"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOrphans(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()

	record := func(id string, run caseintake.Run, runErr error) {
		run.IntakeID = id
		run.Attempt = 1
		run.StartedAt = *now
		*now = now.Add(time.Second)
		require.NoError(t, store.Start(ctx, run))
		require.NoError(t, store.Finish(ctx, run, runErr))
	}

	record("created-patient", caseintake.Run{PatientID: 11, PatientCreated: true}, encounterFailure())
	record("reused-patient", caseintake.Run{PatientID: 5}, encounterFailure())
	record("dangling-encounter", caseintake.Run{PatientID: 5, EncounterID: 21}, &caseintake.CaseIntakeError{Stage: caseintake.StageResearchCase, Err: errors.New("boom")})
	record("gatekeep", caseintake.Run{}, &caseintake.CaseIntakeError{Stage: caseintake.StageGatekeep, Err: &caseintake.MissingFieldsError{Fields: []string{"mrn"}}})
	record("ok", caseintake.Run{PatientID: 1, EncounterID: 2, ResearchCaseID: 3}, nil)

	orphans, err := store.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	require.Equal(t, "created-patient", orphans[0].IntakeID)
	require.Equal(t, "patient", orphans[0].Orphan())
	require.Equal(t, "encounter", orphans[0].FailedStage)
	require.Equal(t, string(caseintake.KindTransport), orphans[0].ErrorKind)
	require.Equal(t, "dangling-encounter", orphans[1].IntakeID)
	require.Equal(t, "encounter", orphans[1].Orphan())

	gk, err := store.Get(ctx, "gatekeep")
	require.NoError(t, err)
	require.Equal(t, string(caseintake.KindMissingFields), gk.ErrorKind)
	require.Equal(t, "gatekeep", gk.FailedStage)
}

func TestOrphansIncludesAbandonedRuns(t *testing.T) {
	store, now := newTestStore(t)
	store.SetStaleAfter(5 * time.Minute)
	ctx := context.Background()

	// A process that died after creating the patient never calls Finish.
	crashed := caseintake.Run{IntakeID: "crashed", Attempt: 1, StartedAt: *now, LastStage: caseintake.StagePatient, PatientID: 11, PatientCreated: true}
	require.NoError(t, store.Start(ctx, crashed))
	require.NoError(t, store.Progress(ctx, crashed))

	orphans, err := store.Orphans(ctx)
	require.NoError(t, err)
	require.Empty(t, orphans, "a run inside the window may still be in flight")

	*now = now.Add(6 * time.Minute)
	live := caseintake.Run{IntakeID: "live", Attempt: 1, StartedAt: *now, LastStage: caseintake.StagePatient, PatientID: 12, PatientCreated: true}
	require.NoError(t, store.Start(ctx, live))
	require.NoError(t, store.Progress(ctx, live))

	orphans, err = store.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	require.Equal(t, "crashed", orphans[0].IntakeID)
	require.True(t, orphans[0].Stale)
	require.Equal(t, "patient", orphans[0].Orphan())

	got, err := store.Get(ctx, "live")
	require.NoError(t, err)
	require.False(t, got.Stale)
	require.Empty(t, got.Orphan())
}

func TestRecentNewestFirst(t *testing.T) {
	store, now := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Start(ctx, caseintake.Run{IntakeID: id, Attempt: 1, StartedAt: *now}))
		*now = now.Add(time.Minute)
	}

	got, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].IntakeID)
	require.Equal(t, "b", got[1].IntakeID)
}

func TestObserverRecordsRun(t *testing.T) {
	store, _ := newTestStore(t)
	obs := store.Observer()
	ctx := context.Background()

	run := caseintake.Run{IntakeID: "i-9", SessionID: "s", Attempt: 2, StartedAt: time.Now()}
	obs.IntakeStarted(ctx, run)
	run.LastStage = caseintake.StageNormalize
	obs.StageCompleted(ctx, run, caseintake.StageNormalize)
	obs.IntakeFinished(ctx, run, &caseintake.CaseIntakeError{Stage: caseintake.StageGatekeep, Err: &caseintake.MissingFieldsError{Fields: []string{"mrn"}}})

	got, err := store.Get(ctx, "i-9")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, "normalize", got.LastStage)

	// Unknown intakes are logged, not surfaced.
	obs.StageCompleted(ctx, caseintake.Run{IntakeID: "ghost"}, caseintake.StagePatient)
}
