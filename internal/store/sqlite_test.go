package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crown-postcodes/harvest-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_CreateRun_And_GetRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "2026-08-30", []string{"jersey", "guernsey"})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, fetched.ID)
	assert.Equal(t, "2026-08-30", fetched.RunDate)
	assert.Equal(t, []string{"jersey", "guernsey"}, fetched.Territories)
	assert.Nil(t, fetched.Summary)
}

func TestSQLite_GetRun_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_CompleteRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "2026-08-30", []string{"jersey"})
	require.NoError(t, err)

	summary := json.RawMessage(`{"status":"partial","territories_failed":1}`)
	err = st.CompleteRun(ctx, run.ID, model.RunStatusPartial, summary)
	require.NoError(t, err)

	fetched, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, fetched.Status)
	assert.JSONEq(t, string(summary), string(fetched.Summary))
}

func TestSQLite_CompleteRun_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteRun(context.Background(), "nonexistent", model.RunStatusSuccess, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestSQLite_ListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.CreateRun(ctx, "2026-08-29", []string{"jersey"})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "2026-08-30", []string{"guernsey"})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestSQLite_ListRuns_FilterByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "2026-08-30", []string{"jersey"})
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, run.ID, model.RunStatusSuccess, nil))

	// A second run that stays running.
	_, err = st.CreateRun(ctx, "2026-08-30", []string{"isle_of_man"})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusSuccess, Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestSQLite_ListRuns_FilterByTerritory(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	channel, err := st.CreateRun(ctx, "2026-08-30", []string{"jersey", "guernsey"})
	require.NoError(t, err)
	_, err = st.CreateRun(ctx, "2026-08-30", []string{"isle_of_man"})
	require.NoError(t, err)

	runs, err := st.ListRuns(ctx, RunFilter{Territory: "guernsey", Limit: 10})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, channel.ID, runs[0].ID)
}

func TestSQLite_Stages_Lifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run, err := st.CreateRun(ctx, "2026-08-30", []string{"jersey"})
	require.NoError(t, err)

	stage, err := st.StartStage(ctx, run.ID, "jersey", "harvest")
	require.NoError(t, err)
	assert.NotEmpty(t, stage.ID)
	assert.Equal(t, model.StageStatusRunning, stage.Status)

	detail := json.RawMessage(`{"raw_records":412,"warnings":1}`)
	err = st.CompleteStage(ctx, stage.ID, model.StageStatusComplete, detail)
	require.NoError(t, err)

	stages, err := st.ListStages(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, "harvest", stages[0].Name)
	assert.Equal(t, model.StageStatusComplete, stages[0].Status)
	assert.JSONEq(t, string(detail), string(stages[0].Detail))
	require.NotNil(t, stages[0].CompletedAt)
}

func TestSQLite_CompleteStage_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.CompleteStage(context.Background(), "nonexistent", model.StageStatusFailed, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stage not found")
}

func TestSQLite_ListStages_Empty(t *testing.T) {
	st := newTestSQLiteStore(t)

	stages, err := st.ListStages(context.Background(), "no-such-run")
	require.NoError(t, err)
	assert.Empty(t, stages)
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	st := newTestSQLiteStore(t)

	// Migrate was already called in newTestSQLiteStore; calling again should not error.
	require.NoError(t, st.Migrate(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown driver")
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	st, err := Open(context.Background(), "", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	_, ok := st.(*SQLiteStore)
	assert.True(t, ok)
}
