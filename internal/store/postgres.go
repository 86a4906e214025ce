package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/inventoryops/stocktake/internal/model"
)

// Pool is the subset of pgxpool.Pool used by the store. pgxmock satisfies it
// for unit tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS run_markers (
	run_id       TEXT PRIMARY KEY,
	target       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'init',
	cutoff_used  DOUBLE PRECISION NOT NULL,
	window_from  TIMESTAMPTZ NOT NULL,
	window_to    TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	degraded     BOOLEAN NOT NULL DEFAULT false,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_markers_target ON run_markers(target, status);
CREATE INDEX IF NOT EXISTS idx_run_markers_started_at ON run_markers(started_at);

-- At most one non-terminal run per target; the losing insert fails even when
-- two processes race past the in-memory check.
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_markers_active
	ON run_markers(target) WHERE status NOT IN ('completed', 'failed');
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateMarker(ctx context.Context, m model.RunMarker) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO run_markers (run_id, target, status, cutoff_used, window_from, window_to, started_at, degraded, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.RunID, m.Target, string(m.Status), m.CutoffUsed,
		m.Window.From.UTC(), m.Window.To.UTC(), m.StartedAt.UTC(),
		m.Degraded, m.Error,
	)
	return eris.Wrap(err, "postgres: create marker")
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_markers SET status = $1 WHERE run_id = $2`, string(status), runID)
	if err != nil {
		return eris.Wrap(err, "postgres: update status")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteMarker(ctx context.Context, runID string, completedAt time.Time, degraded bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_markers SET status = $1, completed_at = $2, degraded = $3 WHERE run_id = $4`,
		string(model.RunStatusCompleted), completedAt.UTC(), degraded, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: complete marker")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) FailMarker(ctx context.Context, runID string, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_markers SET status = $1, completed_at = $2, error = $3 WHERE run_id = $4`,
		string(model.RunStatusFailed), time.Now().UTC(), reason, runID)
	if err != nil {
		return eris.Wrap(err, "postgres: fail marker")
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run %s not found", runID)
	}
	return nil
}

func (s *PostgresStore) GetMarker(ctx context.Context, runID string) (*model.RunMarker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers WHERE run_id = $1`, runID)
	m, err := scanPgMarker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Errorf("postgres: get marker: run %s not found", runID)
		}
		return nil, eris.Wrap(err, "postgres: get marker")
	}
	return m, nil
}

func (s *PostgresStore) ActiveMarker(ctx context.Context, target string) (*model.RunMarker, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers
		 WHERE target = $1 AND status NOT IN ($2, $3)
		 ORDER BY started_at DESC LIMIT 1`,
		target, string(model.RunStatusCompleted), string(model.RunStatusFailed))
	m, err := scanPgMarker(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: active marker")
	}
	return m, nil
}

func (s *PostgresStore) ListMarkers(ctx context.Context, filter MarkerFilter) ([]model.RunMarker, error) {
	query := `SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers WHERE ($1 = '' OR target = $1) AND ($2 = '' OR status = $2)
		 ORDER BY started_at DESC LIMIT $3`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, query, filter.Target, string(filter.Status), limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list markers")
	}
	defer rows.Close()

	var markers []model.RunMarker
	for rows.Next() {
		m, err := scanPgMarker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan marker")
		}
		markers = append(markers, *m)
	}
	return markers, eris.Wrap(rows.Err(), "postgres: list markers")
}

func scanPgMarker(row pgx.Row) (*model.RunMarker, error) {
	var m model.RunMarker
	var status string
	var completedAt *time.Time
	if err := row.Scan(&m.RunID, &m.Target, &status, &m.CutoffUsed,
		&m.Window.From, &m.Window.To, &m.StartedAt, &completedAt, &m.Degraded, &m.Error); err != nil {
		return nil, err
	}
	m.Status = model.RunStatus(status)
	m.CompletedAt = completedAt
	return &m, nil
}
