package lease

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS leases (
	resource_key TEXT PRIMARY KEY,
	holder_id    TEXT NOT NULL,
	expires_at   INTEGER NOT NULL
);`

// SQLite stores leases in a shared database file. Acquisition is one
// INSERT .. ON CONFLICT DO UPDATE .. WHERE statement, so the check and the
// write cannot interleave with another process.
type SQLite struct {
	db  *sql.DB
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func NewSQLite(db *sql.DB, now func() time.Time) *SQLite {
	if now == nil {
		now = time.Now
	}
	return &SQLite{db: db, now: now, pruneEvery: 256}
}

// Migrate creates the leases table if needed.
func (s *SQLite) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

func (s *SQLite) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases(resource_key, holder_id, expires_at) VALUES(?,?,?)
		 ON CONFLICT(resource_key) DO UPDATE SET holder_id=excluded.holder_id, expires_at=excluded.expires_at
		 WHERE leases.expires_at <= ?`,
		key, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM leases WHERE expires_at <= ?`, now.UnixMilli())
		cancel()
	}
	return n > 0, nil
}

func (s *SQLite) Release(ctx context.Context, key, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE resource_key = ? AND holder_id = ?`, key, holder)
	return err
}
