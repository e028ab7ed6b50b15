package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/model"
	"github.com/yamakatsunamamugi/11.autoai-sub001/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock, nowFunc: func() time.Time { return epoch }}
	return s, mock
}

var runColumns = []string{"id", "source", "status", "stats", "error", "created_at", "updated_at"}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS runs`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs`).
		WithArgs(pgxmock.AnyArg(), "sheet:abc", "running", epoch, epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	run, err := s.CreateRun(context.Background(), "sheet:abc")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.Equal(t, epoch, run.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, source, status, stats, error, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "sheet:abc", "complete", []byte(`{"passes":2,"succeeded":5}`), "", epoch, epoch))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Stats)
	assert.Equal(t, 2, run.Stats.Passes)
	assert.Equal(t, 5, run.Stats.Succeeded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status = \$1, stats = \$2, error = \$3`).
		WithArgs("complete", pgxmock.AnyArg(), "", epoch, "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FinishRun(context.Background(), "missing", model.RunStatusComplete, &model.RunStats{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM runs WHERE true AND status = \$1 AND source = \$2 ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("failed", "sheet:abc", 5, 10).
		WillReturnRows(pgxmock.NewRows(runColumns).
			AddRow("run-1", "sheet:abc", "failed", nil, "store unavailable", epoch, epoch))

	runs, err := s.ListRuns(context.Background(), RunFilter{
		Status: model.RunStatusFailed,
		Source: "sheet:abc",
		Limit:  5,
		Offset: 10,
	})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Stats)
	assert.Equal(t, "store unavailable", runs[0].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAttempt(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO unit_attempts`).
		WithArgs("a1", "run-1", "g1/C7/chatgpt", "chatgpt", 2, "extract", false,
			"interaction_timing", "none", "retry_in_place", "boom", int64(1500), epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordAttempt(context.Background(), model.Attempt{
		ID:        "a1",
		RunID:     "run-1",
		UnitID:    "g1/C7/chatgpt",
		Class:     "chatgpt",
		Number:    2,
		Phase:     model.PhaseExtract,
		Category:  model.CategoryInteractionTiming,
		Tier:      model.TierNone,
		Action:    model.ActionRetryInPlace,
		Error:     "boom",
		Elapsed:   1500 * time.Millisecond,
		CreatedAt: epoch,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListAttempts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"id", "run_id", "unit_id", "class", "number", "phase", "succeeded", "category", "tier", "action", "error", "elapsed_ms", "created_at"}
	mock.ExpectQuery(`FROM unit_attempts WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("a1", "run-1", "u1", "chatgpt", 1, "persist", true, "", "", "", "", int64(2000), epoch))

	got, err := s.ListAttempts(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Succeeded)
	assert.Equal(t, 2*time.Second, got[0].Elapsed)
	assert.Equal(t, model.CapabilityClass("chatgpt"), got[0].Class)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_EnqueueDLQ_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("u1", "u1", "g1", "C7", "chatgpt", "boom", "rate_limit", "submit", 3,
			epoch.Add(time.Hour), epoch, epoch).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.EnqueueDLQ(context.Background(), resilience.DLQEntry{
		UnitID:       "u1",
		GroupID:      "g1",
		Target:       "C7",
		Class:        "chatgpt",
		Error:        "boom",
		Category:     model.CategoryRateLimit,
		FailedPhase:  model.PhaseSubmit,
		Attempts:     3,
		NextRetryAt:  epoch.Add(time.Hour),
		CreatedAt:    epoch,
		LastFailedAt: epoch,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListDLQ_DueOnly(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	cols := []string{"id", "unit_id", "group_id", "target", "class", "error", "category", "failed_phase", "attempts", "next_retry_at", "created_at", "last_failed_at"}
	mock.ExpectQuery(`FROM dead_letter_queue WHERE true AND category = \$1 AND next_retry_at <= \$2 ORDER BY next_retry_at ASC LIMIT \$3`).
		WithArgs("network", epoch, 100).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("u1", "u1", "g1", "C7", "chatgpt", "reset", "network", "await_completion", 5, epoch.Add(-time.Minute), epoch, epoch))

	entries, err := s.ListDLQ(context.Background(), resilience.DLQFilter{Category: model.CategoryNetwork, DueOnly: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.PhaseAwaitCompletion, entries[0].FailedPhase)
	assert.True(t, entries[0].Due(epoch))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolveAndCountDLQ(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue WHERE id = \$1`).
		WithArgs("u1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM dead_letter_queue`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(3))

	require.NoError(t, s.ResolveDLQ(context.Background(), "u1"))
	n, err := s.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExecErrorsAreWrapped(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM dead_letter_queue`).
		WithArgs("u1").
		WillReturnError(errors.New("connection reset"))

	err := s.ResolveDLQ(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: resolve dlq u1")
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}
