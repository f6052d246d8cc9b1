package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "praice/pkg/logx"
)

const defaultBusyTimeout = 5 * time.Second

// sqlitePath extracts the file path from sqlite://relative/path or
// sqlite:///absolute/path.
func sqlitePath(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	path := u.Host + u.Path
	if u.Opaque != "" {
		path = u.Opaque
	}
	if path == "" {
		return "", errors.New("sqlite path is required")
	}
	return filepath.Clean(path), nil
}

func (o *opener) sqlite(ctx context.Context, raw string) (*sql.DB, error) {
	path, err := sqlitePath(raw)
	if err != nil {
		return nil, err
	}
	key := "sqlite:" + path
	if h, ok := o.handles[key]; ok {
		return h.(*sql.DB), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; the busy timeout covers other processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := o.cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	o.handles[key] = db
	o.st.closers = append(o.st.closers, db.Close)
	o.log.Info("sqlite opened", logx.String("path", path))
	return db, nil
}
