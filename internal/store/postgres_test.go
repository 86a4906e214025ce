package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inventoryops/stocktake/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var markerColumns = []string{
	"run_id", "target", "status", "cutoff_used",
	"window_from", "window_to", "started_at", "completed_at", "degraded", "error",
}

func TestPostgres_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS run_markers`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateMarker(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO run_markers`).
		WithArgs("run-1", "warehouse-a", "init", 5.0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), false, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateMarker(context.Background(), testRunMarker("run-1", "warehouse-a", model.RunStatusInit))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMarker_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM run_markers WHERE run_id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetMarker(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetMarker(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	completed := started.Add(5 * time.Minute)

	mock.ExpectQuery(`SELECT .* FROM run_markers WHERE run_id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows(markerColumns).AddRow(
			"run-1", "warehouse-a", "completed", 5.0,
			started.Add(-time.Hour), started, started, &completed, true, "",
		))

	got, err := s.GetMarker(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(completed))
	assert.True(t, got.Degraded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateStatus_UnknownRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE run_markers SET status = \$1`).
		WithArgs("reading", "nonexistent").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateStatus(context.Background(), "nonexistent", model.RunStatusReading)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CompleteMarker(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	completedAt := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE run_markers SET status = \$1, completed_at = \$2, degraded = \$3`).
		WithArgs("completed", completedAt, true, "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.CompleteMarker(context.Background(), "run-1", completedAt, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FailMarker(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE run_markers SET status = \$1, completed_at = \$2, error = \$3`).
		WithArgs("failed", pgxmock.AnyArg(), "broker down", "run-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FailMarker(context.Background(), "run-1", "broker down"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ActiveMarker_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM run_markers\s+WHERE target = \$1 AND status NOT IN`).
		WithArgs("warehouse-a", "completed", "failed").
		WillReturnError(pgx.ErrNoRows)

	active, err := s.ActiveMarker(context.Background(), "warehouse-a")
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ActiveMarker(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM run_markers\s+WHERE target = \$1 AND status NOT IN`).
		WithArgs("warehouse-a", "completed", "failed").
		WillReturnRows(pgxmock.NewRows(markerColumns).AddRow(
			"run-live", "warehouse-a", "evaluating", 5.0,
			started.Add(-time.Hour), started, started, (*time.Time)(nil), false, "",
		))

	active, err := s.ActiveMarker(context.Background(), "warehouse-a")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "run-live", active.RunID)
	assert.Equal(t, model.RunStatusEvaluating, active.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListMarkers(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .* FROM run_markers WHERE \(\$1 = '' OR target = \$1\)`).
		WithArgs("warehouse-a", "", 2).
		WillReturnRows(pgxmock.NewRows(markerColumns).
			AddRow("run-2", "warehouse-a", "completed", 5.0,
				started.Add(-time.Hour), started, started.Add(time.Minute), (*time.Time)(nil), false, "").
			AddRow("run-1", "warehouse-a", "failed", 5.0,
				started.Add(-time.Hour), started, started, (*time.Time)(nil), false, "index unreachable"))

	markers, err := s.ListMarkers(context.Background(), MarkerFilter{Target: "warehouse-a", Limit: 2})
	require.NoError(t, err)
	require.Len(t, markers, 2)
	assert.Equal(t, "run-2", markers[0].RunID)
	assert.Equal(t, "run-1", markers[1].RunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListMarkers_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .* FROM run_markers WHERE \(\$1 = '' OR target = \$1\)`).
		WithArgs("", "", 100).
		WillReturnRows(pgxmock.NewRows(markerColumns))

	markers, err := s.ListMarkers(context.Background(), MarkerFilter{})
	require.NoError(t, err)
	assert.Empty(t, markers)
	assert.NoError(t, mock.ExpectationsWereMet())
}
