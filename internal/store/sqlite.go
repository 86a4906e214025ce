package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/inventoryops/stocktake/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS run_markers (
	run_id       TEXT PRIMARY KEY,
	target       TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'init',
	cutoff_used  REAL NOT NULL,
	window_from  DATETIME NOT NULL,
	window_to    DATETIME NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
	degraded     INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_run_markers_target ON run_markers(target, status);
CREATE INDEX IF NOT EXISTS idx_run_markers_started_at ON run_markers(started_at);

-- At most one non-terminal run per target; the losing insert fails even when
-- two processes race past the in-memory check.
CREATE UNIQUE INDEX IF NOT EXISTS idx_run_markers_active
	ON run_markers(target) WHERE status NOT IN ('completed', 'failed');
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateMarker(ctx context.Context, m model.RunMarker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_markers (run_id, target, status, cutoff_used, window_from, window_to, started_at, degraded, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.Target, string(m.Status), m.CutoffUsed,
		m.Window.From.UTC(), m.Window.To.UTC(), m.StartedAt.UTC(),
		boolToInt(m.Degraded), m.Error,
	)
	return eris.Wrap(err, "sqlite: create marker")
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_markers SET status = ? WHERE run_id = ?`, string(status), runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: update status")
	}
	return checkAffected(res, runID)
}

func (s *SQLiteStore) CompleteMarker(ctx context.Context, runID string, completedAt time.Time, degraded bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_markers SET status = ?, completed_at = ?, degraded = ? WHERE run_id = ?`,
		string(model.RunStatusCompleted), completedAt.UTC(), boolToInt(degraded), runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: complete marker")
	}
	return checkAffected(res, runID)
}

func (s *SQLiteStore) FailMarker(ctx context.Context, runID string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE run_markers SET status = ?, completed_at = ?, error = ? WHERE run_id = ?`,
		string(model.RunStatusFailed), time.Now().UTC(), reason, runID)
	if err != nil {
		return eris.Wrap(err, "sqlite: fail marker")
	}
	return checkAffected(res, runID)
}

func (s *SQLiteStore) GetMarker(ctx context.Context, runID string) (*model.RunMarker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers WHERE run_id = ?`, runID)
	m, err := scanMarker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Errorf("sqlite: get marker: run %s not found", runID)
		}
		return nil, eris.Wrap(err, "sqlite: get marker")
	}
	return m, nil
}

func (s *SQLiteStore) ActiveMarker(ctx context.Context, target string) (*model.RunMarker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers
		 WHERE target = ? AND status NOT IN (?, ?)
		 ORDER BY started_at DESC LIMIT 1`,
		target, string(model.RunStatusCompleted), string(model.RunStatusFailed))
	m, err := scanMarker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: active marker")
	}
	return m, nil
}

func (s *SQLiteStore) ListMarkers(ctx context.Context, filter MarkerFilter) ([]model.RunMarker, error) {
	query := `SELECT run_id, target, status, cutoff_used, window_from, window_to, started_at, completed_at, degraded, error
		 FROM run_markers WHERE 1=1`
	var args []any
	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list markers")
	}
	defer rows.Close()

	var markers []model.RunMarker
	for rows.Next() {
		m, err := scanMarker(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan marker")
		}
		markers = append(markers, *m)
	}
	return markers, eris.Wrap(rows.Err(), "sqlite: list markers")
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanMarker(row scanner) (*model.RunMarker, error) {
	var m model.RunMarker
	var status string
	var completedAt sql.NullTime
	var degraded int
	if err := row.Scan(&m.RunID, &m.Target, &status, &m.CutoffUsed,
		&m.Window.From, &m.Window.To, &m.StartedAt, &completedAt, &degraded, &m.Error); err != nil {
		return nil, err
	}
	m.Status = model.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	m.Degraded = degraded != 0
	return &m, nil
}

func checkAffected(res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Errorf("sqlite: run %s not found", runID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
