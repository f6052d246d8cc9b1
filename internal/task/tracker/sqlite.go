package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"praice/internal/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS run_transitions (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT NOT NULL,
	job_name TEXT NOT NULL,
	status   TEXT NOT NULL,
	attempt  INTEGER NOT NULL,
	at       TEXT NOT NULL,
	error    TEXT,
	snapshot TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_transitions_run ON run_transitions(run_id, id);
CREATE INDEX IF NOT EXISTS idx_run_transitions_job ON run_transitions(job_name, id);`

type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLite(db *sql.DB, now func() time.Time) *SQLite {
	if now == nil {
		now = time.Now
	}
	return &SQLite{db: db, now: now}
}

// Migrate creates the run_transitions table if needed.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Record(ctx context.Context, run jobs.Run) error {
	t := newTransition(run, s.now())
	snap, err := json.Marshal(t.Run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_transitions(run_id, job_name, status, attempt, at, error, snapshot) VALUES(?,?,?,?,?,?,?)`,
		t.RunID, string(t.Job), string(t.Status), t.Attempt, t.At.Format(time.RFC3339Nano), nullStr(t.Error), string(snap),
	)
	return err
}

func (s *SQLite) GetStatus(ctx context.Context, runID string) (jobs.Run, error) {
	var snap string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM run_transitions WHERE run_id = ? ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&snap)
	if err == sql.ErrNoRows {
		return jobs.Run{}, ErrNotFound
	}
	if err != nil {
		return jobs.Run{}, err
	}
	return decodeRun([]byte(snap))
}

func (s *SQLite) ListRecent(ctx context.Context, job jobs.Name, limit int) ([]jobs.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.snapshot FROM run_transitions t
		 JOIN (SELECT run_id, MIN(id) AS first_id, MAX(id) AS last_id
		       FROM run_transitions WHERE job_name = ?
		       GROUP BY run_id ORDER BY first_id DESC LIMIT ?) r ON t.id = r.last_id
		 ORDER BY r.first_id DESC`,
		string(job), clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Run
	for rows.Next() {
		var snap string
		if err := rows.Scan(&snap); err != nil {
			return nil, err
		}
		run, err := decodeRun([]byte(snap))
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLite) History(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, job_name, status, attempt, at, COALESCE(error, ''), snapshot
		 FROM run_transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t            Transition
			job, status  string
			at, snapshot string
		)
		if err := rows.Scan(&t.RunID, &job, &status, &t.Attempt, &at, &t.Error, &snapshot); err != nil {
			return nil, err
		}
		t.Job, t.Status = jobs.Name(job), jobs.Status(status)
		if t.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		if t.Run, err = decodeRun([]byte(snapshot)); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func decodeRun(b []byte) (jobs.Run, error) {
	var run jobs.Run
	err := json.Unmarshal(b, &run)
	return run, err
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}
