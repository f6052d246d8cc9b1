package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	logx "praice/pkg/logx"
)

func (o *opener) postgres(ctx context.Context, raw string) (*pgxpool.Pool, error) {
	key := "postgres:" + raw
	if h, ok := o.handles[key]; ok {
		return h.(*pgxpool.Pool), nil
	}
	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping %s: %w", redact(raw), err)
	}
	o.handles[key] = pool
	o.st.closers = append(o.st.closers, func() error { pool.Close(); return nil })
	o.log.Info("postgres connected", logx.String("url", redact(raw)))
	return pool, nil
}
