package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps sliding windows in a shared Redis sorted set per key, so
// that limits hold across a cluster of game server processes. Member scores
// are event times in unix milliseconds.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore returns a RedisStore writing under the given key prefix.
//
// Precondition: rdb must be a connected client.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

// tallyScript admits one event atomically: prune, count, conditionally add.
// KEYS[1] window zset; ARGV: now_ms, cutoff_ms, limit, ttl_ms.
// Returns {count, oldest_ms, allowed}.
var tallyScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  count = count + 1
  allowed = 1
end
local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
local oldest_ms = '0'
if oldest[2] then oldest_ms = oldest[2] end
return {count, oldest_ms, allowed}
`)

// Tally implements Store.
func (s *RedisStore) Tally(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (int, time.Time, bool, error) {
	fullKey := s.prefix + ":" + key
	res, err := tallyScript.Run(ctx, s.rdb, []string{fullKey},
		now.UnixMilli(),
		now.Add(-window).UnixMilli(),
		limit,
		window.Milliseconds(),
	).Slice()
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("running tally script: %w", err)
	}
	if len(res) != 3 {
		return 0, time.Time{}, false, fmt.Errorf("tally script returned %d values", len(res))
	}

	count, ok := res[0].(int64)
	if !ok {
		return 0, time.Time{}, false, fmt.Errorf("tally count has type %T", res[0])
	}
	oldestStr, _ := res[1].(string)
	allowedN, _ := res[2].(int64)

	var oldest time.Time
	if ms, err := strconv.ParseFloat(oldestStr, 64); err == nil && ms > 0 {
		oldest = time.UnixMilli(int64(ms)).UTC()
	}
	return int(count), oldest, allowedN == 1, nil
}
