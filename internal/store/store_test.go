package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// -- Helpers --

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	store.newID = func() string { return "3f2c1e0a-0000-4000-8000-000000000001" }
	return store, mockPool
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	ctx := context.Background()

	t.Run("should create both tables in one transaction", func(t *testing.T) {
		store, mockPool := newMockStore(t)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sync_runs")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sync_stages")).
			WillReturnResult(pgxmock.NewResult("CREATE", 0))
		mockPool.ExpectCommit()

		require.NoError(t, store.EnsureSchema(ctx))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback when a statement fails", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		execErr := errors.New("permission denied")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS sync_runs")).
			WillReturnError(execErr)
		mockPool.ExpectRollback()

		err := store.EnsureSchema(ctx)
		require.ErrorIs(t, err, execErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.EnsureSchema(ctx)
		require.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	runID := "3f2c1e0a-0000-4000-8000-000000000001"

	t.Run("should record a successful run", func(t *testing.T) {
		store, mockPool := newMockStore(t)

		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).
			WithArgs(runID, int64(1709294400), pgxmock.AnyArg(), StatusRunning).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_stages")).
			WithArgs(runID, "aws", pgxmock.AnyArg(), int64(1500), StatusSuccess, nil).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE sync_runs")).
			WithArgs(runID, pgxmock.AnyArg(), StatusSuccess, nil).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		id, err := store.StartRun(ctx, 1709294400, started)
		require.NoError(t, err)
		assert.Equal(t, runID, id)
		require.NoError(t, store.RecordStage(ctx, id, "aws", started, 1500*time.Millisecond, nil))
		require.NoError(t, store.FinishRun(ctx, id, started.Add(time.Minute), nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should store failure and cancellation text", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		stageErr := errors.New("AccessDenied")
		runErr := fmt.Errorf("stage github: %w", context.Canceled)

		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_stages")).
			WithArgs(runID, "github", pgxmock.AnyArg(), int64(0), StatusFailure, "AccessDenied").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE sync_runs")).
			WithArgs(runID, pgxmock.AnyArg(), StatusCancelled, runErr.Error()).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, store.RecordStage(ctx, runID, "github", started, 0, stageErr))
		require.NoError(t, store.FinishRun(ctx, runID, started, runErr))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should fail to finish an unknown run", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		mockPool.ExpectExec(regexp.QuoteMeta("UPDATE sync_runs")).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err := store.FinishRun(ctx, "missing", started, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("should propagate insert errors", func(t *testing.T) {
		store, mockPool := newMockStore(t)
		insertErr := errors.New("relation does not exist")
		mockPool.ExpectExec(regexp.QuoteMeta("INSERT INTO sync_runs")).WillReturnError(insertErr)

		id, err := store.StartRun(ctx, 1, started)
		require.ErrorIs(t, err, insertErr)
		assert.Empty(t, id)
	})
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	store, mockPool := newMockStore(t)

	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	finished := started.Add(2 * time.Minute)
	columns := []string{"id", "update_tag", "started_at", "finished_at", "status", "error"}
	rows := pgxmock.NewRows(columns).
		AddRow("run-2", int64(200), started.Add(time.Hour), finished.Add(time.Hour), StatusFailure, "stage aws: boom").
		AddRow("run-1", int64(100), started, finished, StatusSuccess, "")

	mockPool.ExpectQuery(regexp.QuoteMeta("FROM sync_runs")).
		WithArgs(10).
		WillReturnRows(rows)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)
	assert.Equal(t, "stage aws: boom", runs[0].Error)
	assert.Equal(t, int64(100), runs[1].UpdateTag)
	assert.True(t, finished.Equal(runs[1].FinishedAt))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
