package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"praice/internal/task/broker"
	"praice/internal/task/lease"
	"praice/internal/task/tracker"
	logx "praice/pkg/logx"
)

type scheme string

const (
	schemeMemory   scheme = "memory"
	schemeSQLite   scheme = "sqlite"
	schemeRedis    scheme = "redis"
	schemePostgres scheme = "postgres"
)

// parseScheme normalizes aliases (sqlite3, rediss, postgresql).
func parseScheme(raw string) (scheme, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty url", ErrUnsupportedScheme)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "memory", "mem":
		return schemeMemory, nil
	case "sqlite", "sqlite3", "file":
		return schemeSQLite, nil
	case "redis", "rediss":
		return schemeRedis, nil
	case "postgres", "postgresql":
		return schemePostgres, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Open connects every backend named in cfg and runs SQL migrations.
// On error, handles opened so far are closed.
func Open(ctx context.Context, cfg Config, log logx.Logger) (*Stores, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	o := &opener{cfg: cfg, log: log, st: &Stores{}, handles: map[string]any{}}
	if err := o.open(ctx); err != nil {
		_ = o.st.Close()
		return nil, err
	}
	return o.st, nil
}

type opener struct {
	cfg     Config
	log     logx.Logger
	st      *Stores
	handles map[string]any
	mem     *memoryHandles
}

type memoryHandles struct {
	broker  *broker.Memory
	leases  *lease.Memory
	tracker *tracker.Memory
}

func (o *opener) open(ctx context.Context) error {
	var err error
	if o.st.Broker, err = o.openBroker(ctx, o.cfg.BrokerURL); err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	if o.st.Leases, err = o.openLeases(ctx, o.cfg.LeaseURL); err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	if o.st.Tracker, err = o.openTracker(ctx, o.cfg.TrackerURL); err != nil {
		return fmt.Errorf("tracker: %w", err)
	}
	return nil
}

func (o *opener) memory() *memoryHandles {
	if o.mem == nil {
		o.mem = &memoryHandles{
			broker:  broker.NewMemory(o.cfg.Now),
			leases:  lease.NewMemory(o.cfg.Now),
			tracker: tracker.NewMemory(o.cfg.Now, 0),
		}
	}
	return o.mem
}

func (o *opener) openBroker(ctx context.Context, raw string) (broker.Broker, error) {
	sc, err := parseScheme(raw)
	if err != nil {
		return nil, err
	}
	switch sc {
	case schemeMemory:
		return o.memory().broker, nil
	case schemeSQLite:
		db, err := o.sqlite(ctx, raw)
		if err != nil {
			return nil, err
		}
		b := broker.NewSQLite(db, o.cfg.Now)
		return b, b.Migrate(ctx)
	case schemeRedis:
		client, err := o.redis(ctx, raw)
		if err != nil {
			return nil, err
		}
		return broker.NewRedis(client, o.cfg.Now), nil
	default:
		return nil, fmt.Errorf("%w: %s cannot host the broker", ErrUnsupportedScheme, sc)
	}
}

func (o *opener) openLeases(ctx context.Context, raw string) (lease.Manager, error) {
	sc, err := parseScheme(raw)
	if err != nil {
		return nil, err
	}
	switch sc {
	case schemeMemory:
		return o.memory().leases, nil
	case schemeSQLite:
		db, err := o.sqlite(ctx, raw)
		if err != nil {
			return nil, err
		}
		l := lease.NewSQLite(db, o.cfg.Now)
		return l, l.Migrate(ctx)
	case schemeRedis:
		client, err := o.redis(ctx, raw)
		if err != nil {
			return nil, err
		}
		return lease.NewRedis(client), nil
	default:
		return nil, fmt.Errorf("%w: %s cannot host leases", ErrUnsupportedScheme, sc)
	}
}

func (o *opener) openTracker(ctx context.Context, raw string) (tracker.Tracker, error) {
	sc, err := parseScheme(raw)
	if err != nil {
		return nil, err
	}
	switch sc {
	case schemeMemory:
		return o.memory().tracker, nil
	case schemeSQLite:
		db, err := o.sqlite(ctx, raw)
		if err != nil {
			return nil, err
		}
		t := tracker.NewSQLite(db, o.cfg.Now)
		return t, t.Migrate(ctx)
	case schemePostgres:
		pool, err := o.postgres(ctx, raw)
		if err != nil {
			return nil, err
		}
		t := tracker.NewPostgres(pool, o.cfg.Now)
		return t, t.Migrate(ctx)
	default:
		return nil, fmt.Errorf("%w: %s cannot host the tracker", ErrUnsupportedScheme, sc)
	}
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
