package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"praice/internal/jobs"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS run_transitions (
		id       BIGSERIAL PRIMARY KEY,
		run_id   TEXT NOT NULL,
		job_name TEXT NOT NULL,
		status   TEXT NOT NULL,
		attempt  INTEGER NOT NULL,
		at       TIMESTAMPTZ NOT NULL,
		error    TEXT,
		snapshot JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_transitions_run ON run_transitions(run_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_run_transitions_job ON run_transitions(job_name, id)`,
}

// Postgres stores transitions in a shared database, for deployments where
// several processes report on the same runs.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres wraps pool. The caller owns the pool lifecycle.
func NewPostgres(pool *pgxpool.Pool, now func() time.Time) *Postgres {
	if now == nil {
		now = time.Now
	}
	return &Postgres{pool: pool, now: now}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Record(ctx context.Context, run jobs.Run) error {
	t := newTransition(run, p.now())
	snap, err := json.Marshal(t.Run)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO run_transitions(run_id, job_name, status, attempt, at, error, snapshot)
		 VALUES($1, $2, $3, $4, $5, $6, $7)`,
		t.RunID, string(t.Job), string(t.Status), t.Attempt, t.At, nullStr(t.Error), snap,
	)
	return err
}

func (p *Postgres) GetStatus(ctx context.Context, runID string) (jobs.Run, error) {
	var snap []byte
	err := p.pool.QueryRow(ctx,
		`SELECT snapshot FROM run_transitions WHERE run_id = $1 ORDER BY id DESC LIMIT 1`, runID,
	).Scan(&snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Run{}, ErrNotFound
	}
	if err != nil {
		return jobs.Run{}, err
	}
	return decodeRun(snap)
}

func (p *Postgres) ListRecent(ctx context.Context, job jobs.Name, limit int) ([]jobs.Run, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT t.snapshot FROM run_transitions t
		 JOIN (SELECT run_id, MIN(id) AS first_id, MAX(id) AS last_id
		       FROM run_transitions WHERE job_name = $1
		       GROUP BY run_id ORDER BY first_id DESC LIMIT $2) r ON t.id = r.last_id
		 ORDER BY r.first_id DESC`,
		string(job), clampLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []jobs.Run
	for rows.Next() {
		var snap []byte
		if err := rows.Scan(&snap); err != nil {
			return nil, err
		}
		run, err := decodeRun(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (p *Postgres) History(ctx context.Context, runID string) ([]Transition, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT run_id, job_name, status, attempt, at, COALESCE(error, ''), snapshot
		 FROM run_transitions WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transition
	for rows.Next() {
		var (
			t           Transition
			job, status string
			snap        []byte
		)
		if err := rows.Scan(&t.RunID, &job, &status, &t.Attempt, &t.At, &t.Error, &snap); err != nil {
			return nil, err
		}
		t.Job, t.Status, t.At = jobs.Name(job), jobs.Status(status), t.At.UTC()
		if t.Run, err = decodeRun(snap); err != nil {
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
