package storage

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	logx "praice/pkg/logx"
)

func (o *opener) redis(ctx context.Context, raw string) (goredis.UniversalClient, error) {
	key := "redis:" + raw
	if h, ok := o.handles[key]; ok {
		return h.(goredis.UniversalClient), nil
	}
	opts, err := goredis.ParseURL(raw)
	if err != nil {
		return nil, err
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping %s: %w", redact(raw), err)
	}
	o.handles[key] = client
	o.st.closers = append(o.st.closers, client.Close)
	o.log.Info("redis connected", logx.String("url", redact(raw)))
	return client, nil
}
