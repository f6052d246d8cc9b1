package lease

import (
	"context"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "praice:lease:"

// releaseScript deletes the lease only if the caller still holds it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Manager with SET NX PX; expiry is handled by the server.
type Redis struct {
	client goredis.UniversalClient
}

// NewRedis wraps client. The caller owns the client lifecycle.
func NewRedis(client goredis.UniversalClient) *Redis {
	return &Redis{client: client}
}

func redisKey(key string) string { return redisKeyPrefix + key }

func (r *Redis) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	return r.client.SetNX(ctx, redisKey(key), holder, ttl).Result()
}

func (r *Redis) Release(ctx context.Context, key, holder string) error {
	return releaseScript.Run(ctx, r.client, []string{redisKey(key)}, holder).Err()
}
