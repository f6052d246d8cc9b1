package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"praice/internal/jobs"
)

// All backlog keys share one hash tag so the scripts stay valid on a cluster.
const redisKeyPrefix = "{praice:backlog}:"

var (
	keySeq        = redisKeyPrefix + "seq"
	keyIDs        = redisKeyPrefix + "ids"        // hash run_id -> member
	keyItems      = redisKeyPrefix + "items"      // hash member -> payload
	keyOrder      = redisKeyPrefix + "order"      // hash member -> scheduled_at ms
	keyReady      = redisKeyPrefix + "ready"      // zset member by scheduled_at ms
	keyInvisible  = redisKeyPrefix + "invisible"  // zset member by visible_at ms
	keyReceipts   = redisKeyPrefix + "receipts"   // hash member -> receipt
	keyDeliveries = redisKeyPrefix + "deliveries" // hash member -> count
)

var enqueueScript = goredis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then return 0 end
redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[2], ARGV[4])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[2])
return 1
`)

// dequeueScript first returns every item whose invisibility ended to the ready
// set, then claims the head of the ready set.
var dequeueScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(due) do
	redis.call('ZREM', KEYS[2], m)
	local score = redis.call('HGET', KEYS[6], m)
	if score then
		redis.call('ZADD', KEYS[1], score, m)
	end
end
local head = redis.call('ZRANGE', KEYS[1], 0, 0)
if #head == 0 then return false end
local m = head[1]
redis.call('ZREM', KEYS[1], m)
redis.call('ZADD', KEYS[2], ARGV[2], m)
redis.call('HSET', KEYS[4], m, ARGV[3])
local n = redis.call('HINCRBY', KEYS[5], m, 1)
return {m, redis.call('HGET', KEYS[3], m), n}
`)

var ackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('HDEL', KEYS[6], ARGV[1])
redis.call('HDEL', KEYS[7], ARGV[3])
return 1
`)

var nackScript = goredis.NewScript(`
if redis.call('HGET', KEYS[4], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[1])
return 1
`)

// Redis keeps the backlog in sorted sets: "ready" ordered by scheduled time and
// "invisible" ordered by the time an item becomes visible again. Every state
// change is a Lua script, so claims are atomic across consumers. Time comes from
// the caller's clock, not the server's.
type Redis struct {
	client goredis.UniversalClient
	now    func() time.Time
}

// NewRedis wraps client. The caller owns the client lifecycle.
func NewRedis(client goredis.UniversalClient, now func() time.Time) *Redis {
	if now == nil {
		now = time.Now
	}
	return &Redis{client: client, now: now}
}

// member sorts by sequence when scheduled times are equal.
func member(seq int64, runID string) string { return fmt.Sprintf("%020d|%s", seq, runID) }

func parseMember(m string) (int64, error) {
	i := strings.IndexByte(m, '|')
	if i <= 0 {
		return 0, fmt.Errorf("broker: malformed member %q", m)
	}
	return strconv.ParseInt(m[:i], 10, 64)
}

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (r *Redis) Enqueue(ctx context.Context, run jobs.Run) error {
	if err := validate(run); err != nil {
		return err
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return err
	}
	seq, err := r.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return err
	}
	ok, err := enqueueScript.Run(ctx, r.client,
		[]string{keyIDs, keyItems, keyOrder, keyReady},
		run.ID, member(seq, run.ID), string(payload), ms(run.ScheduledAt),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	now := r.now()
	until := now.Add(visibility)
	receipt := newReceipt()
	res, err := dequeueScript.Run(ctx, r.client,
		[]string{keyReady, keyInvisible, keyItems, keyReceipts, keyDeliveries, keyOrder},
		ms(now), ms(until), receipt,
	).Slice()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("broker: unexpected dequeue reply %v", res)
	}
	m, _ := res[0].(string)
	payload, _ := res[1].(string)
	n, _ := res[2].(int64)
	seq, err := parseMember(m)
	if err != nil {
		return nil, err
	}
	var run jobs.Run
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("broker: decode %s: %w", m, err)
	}
	return &Delivery{Run: run, Receipt: receipt, Deliveries: int(n), Seq: seq, VisibleUntil: until}, nil
}

func (r *Redis) Ack(ctx context.Context, d *Delivery) error {
	ok, err := ackScript.Run(ctx, r.client,
		[]string{keyReady, keyInvisible, keyItems, keyReceipts, keyDeliveries, keyOrder, keyIDs},
		member(d.Seq, d.Run.ID), d.Receipt, d.Run.ID,
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	payload, err := json.Marshal(d.Run)
	if err != nil {
		return err
	}
	ok, err := nackScript.Run(ctx, r.client,
		[]string{keyReady, keyInvisible, keyItems, keyReceipts},
		member(d.Seq, d.Run.ID), d.Receipt, string(payload), ms(r.now().Add(delay)),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return ErrStaleReceipt
	}
	return nil
}

func (r *Redis) Len(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, keyItems).Result()
	return int(n), err
}
