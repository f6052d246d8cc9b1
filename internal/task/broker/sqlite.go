package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"praice/internal/jobs"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS backlog (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL UNIQUE,
	job_name     TEXT NOT NULL,
	scheduled_at INTEGER NOT NULL,
	visible_at   INTEGER NOT NULL,
	receipt      TEXT NOT NULL DEFAULT '',
	deliveries   INTEGER NOT NULL DEFAULT 0,
	payload      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_backlog_order ON backlog(scheduled_at, seq);
CREATE INDEX IF NOT EXISTS idx_backlog_visible ON backlog(visible_at);`

// SQLite keeps the backlog in a shared database file. A claim is one
// UPDATE .. WHERE seq = (SELECT ..) RETURNING statement, which SQLite runs
// under its writer lock, so two consumers can never claim the same item.
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

// Migrate creates the backlog table if needed.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) Enqueue(ctx context.Context, run jobs.Run) error {
	if err := validate(run); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO backlog(run_id, job_name, scheduled_at, visible_at, payload) VALUES(?,?,?,?,?)`,
		run.ID, string(run.Job), run.ScheduledAt.UnixNano(), s.now().UnixNano(), string(payload),
	)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return ErrDuplicate
	}
	return err
}

func (s *SQLite) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := s.now()
	until := now.Add(visibility)
	receipt := newReceipt()

	var (
		seq        int64
		deliveries int
		payload    string
	)
	err := s.db.QueryRowContext(ctx,
		`UPDATE backlog SET receipt = ?, visible_at = ?, deliveries = deliveries + 1
		 WHERE seq = (SELECT seq FROM backlog WHERE visible_at <= ? ORDER BY scheduled_at, seq LIMIT 1)
		 RETURNING seq, deliveries, payload`,
		receipt, until.UnixNano(), now.UnixNano(),
	).Scan(&seq, &deliveries, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var run jobs.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, err
	}
	return &Delivery{Run: run, Receipt: receipt, Deliveries: deliveries, Seq: seq, VisibleUntil: until}, nil
}

func (s *SQLite) Ack(ctx context.Context, d *Delivery) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM backlog WHERE run_id = ? AND receipt = ?`, d.Run.ID, d.Receipt)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (s *SQLite) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(d.Run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE backlog SET payload = ?, visible_at = ?, receipt = '' WHERE run_id = ? AND receipt = ?`,
		string(payload), s.now().Add(delay).UnixNano(), d.Run.ID, d.Receipt,
	)
	if err != nil {
		return err
	}
	return requireOne(res)
}

func (s *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM backlog`).Scan(&n)
	return n, err
}

func requireOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleReceipt
	}
	return nil
}
