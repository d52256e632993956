package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propfin/reconciliation-engine/internal/models"
	"github.com/propfin/reconciliation-engine/pkg/errors"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reconciliation.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSQLiteStoreSessionLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := storeSession("sess-1", time.Now().UTC())
	require.NoError(t, st.CreateSession(ctx, sess))

	got, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "auditor-7", got.OperatorID)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, sess.Scope.Key(), got.Scope.Key())

	got.Status = models.StatusUnderReview
	require.NoError(t, st.UpdateSession(ctx, got))

	again, err := st.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusUnderReview, again.Status)

	_, err = st.GetSession(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))

	err = st.UpdateSession(ctx, storeSession("missing", time.Now()))
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
}

func TestSQLiteStoreScopeLockEnforcedByIndex(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := storeSession("sess-1", time.Now().UTC())
	require.NoError(t, st.CreateSession(ctx, first))

	// The partial unique index refuses a second active session for the
	// scope even when the caller skipped the pre-check, which is exactly
	// what happens when two processes race on a shared database file.
	err := st.CreateSession(ctx, storeSession("sess-2", time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeScopeConflict))
	rerr, ok := errors.AsReconcilerError(err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", rerr.Context["active_session_id"])

	// Terminal sessions leave the index and release the scope.
	first.Status = models.StatusRejected
	require.NoError(t, st.UpdateSession(ctx, first))
	require.NoError(t, st.CreateSession(ctx, storeSession("sess-2", time.Now().UTC())))
}

func TestSQLiteStoreActiveSessionForScope(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	sess := storeSession("sess-1", time.Now().UTC())
	require.NoError(t, st.CreateSession(ctx, sess))

	active, err := st.ActiveSessionForScope(ctx, sess.Scope.Key())
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "sess-1", active.ID)

	other, err := st.ActiveSessionForScope(ctx, "prop-002|2024-Q1|balance_sheet,cash_flow")
	require.NoError(t, err)
	assert.Nil(t, other)

	sess.Status = models.StatusCompleted
	require.NoError(t, st.UpdateSession(ctx, sess))
	released, err := st.ActiveSessionForScope(ctx, sess.Scope.Key())
	require.NoError(t, err)
	assert.Nil(t, released)
}

func TestSQLiteStoreListSessionsNewestFirst(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	older := storeSession("older", base.Add(-time.Hour))
	newer := storeSession("newer", base)
	newer.Scope.PeriodID = "2024-Q2"
	require.NoError(t, st.CreateSession(ctx, older))
	require.NoError(t, st.CreateSession(ctx, newer))

	sessions, err := st.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "newer", sessions[0].ID)
	assert.Equal(t, "older", sessions[1].ID)
}

func TestSQLiteStoreComparisonRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, storeSession("sess-1", time.Now().UTC())))

	_, err := st.GetComparison(ctx, "sess-1")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	require.NoError(t, st.PutComparison(ctx, "sess-1", storeComparison("d-1")))
	got, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got.Discrepancies, 1)
	assert.Equal(t, "Cash", got.SourceRecords[0].AccountName)
	assert.True(t, got.Discrepancies[0].AmountDifference.Equal(decimal.NewFromInt(500)))

	// PutComparison is an upsert.
	require.NoError(t, st.PutComparison(ctx, "sess-1", storeComparison("d-1", "d-2")))
	replaced, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)
	assert.Len(t, replaced.Discrepancies, 2)
}

func TestSQLiteStoreAppendResolutions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, storeSession("sess-1", time.Now().UTC())))
	require.NoError(t, st.PutComparison(ctx, "sess-1", storeComparison("d-1", "d-2")))

	comparison, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)

	updated := comparison.Discrepancies[0]
	updated.ResolutionStatus = models.ResolutionResolved
	first := &models.Resolution{
		ID:        "res-1",
		SessionID: "sess-1",
		TargetID:  updated.ID,
		Action:    models.ActionAcceptSource,
		OldValue:  "500.00",
		Rationale: "verified against the ledger",
		Actor:     "auditor-7",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.AppendResolutions(ctx, "sess-1",
		[]*models.Resolution{first}, []*models.Discrepancy{updated}))

	stored, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionResolved, stored.Discrepancies[0].ResolutionStatus)
	assert.Equal(t, models.ResolutionPending, stored.Discrepancies[1].ResolutionStatus)

	// A second batch appends after the first; the ledger keeps insertion
	// order.
	second := *first
	second.ID = "res-2"
	second.TargetID = "d-2"
	require.NoError(t, st.AppendResolutions(ctx, "sess-1",
		[]*models.Resolution{&second}, nil))

	ledger, err := st.ListResolutions(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.Equal(t, "res-1", ledger[0].ID)
	assert.Equal(t, "res-2", ledger[1].ID)
	assert.Equal(t, "auditor-7", ledger[0].Actor)
}

func TestSQLiteStoreAppendResolutionsUnknownDiscrepancyRollsBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.CreateSession(ctx, storeSession("sess-1", time.Now().UTC())))
	require.NoError(t, st.PutComparison(ctx, "sess-1", storeComparison("d-1")))

	comparison, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)
	valid := comparison.Discrepancies[0]
	valid.ResolutionStatus = models.ResolutionResolved
	bogus := &models.Discrepancy{ID: "d-404", ResolutionStatus: models.ResolutionResolved}

	resolution := &models.Resolution{
		ID:        "res-1",
		SessionID: "sess-1",
		TargetID:  "d-1",
		Action:    models.ActionAcceptSource,
		CreatedAt: time.Now().UTC(),
	}
	err = st.AppendResolutions(ctx, "sess-1",
		[]*models.Resolution{resolution}, []*models.Discrepancy{valid, bogus})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))

	// Nothing from the failed batch is visible.
	clean, err := st.GetComparison(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, models.ResolutionPending, clean.Discrepancies[0].ResolutionStatus)

	ledger, err := st.ListResolutions(ctx, "sess-1")
	require.NoError(t, err)
	assert.Empty(t, ledger)
}
