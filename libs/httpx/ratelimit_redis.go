package httpx

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter counts requests per key in fixed windows stored in Redis, so every
// booking-service replica shares one budget. Each window gets its own counter key that
// expires shortly after the window closes.
type RedisRateLimiter struct {
	rdb    redis.Cmdable
	limit  int
	window time.Duration
	prefix string
	key    KeyFunc
	now    func() time.Time
}

func NewRedisRateLimiter(rdb redis.Cmdable, limit int, window time.Duration, prefix string, key KeyFunc) *RedisRateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window < time.Second {
		window = time.Minute
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "rl"
	}
	if key == nil {
		key = ClientIP
	}
	return &RedisRateLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix, key: key, now: time.Now}
}

func (rl *RedisRateLimiter) Allow(r *http.Request) (bool, error) {
	count, err := rl.hit(r.Context(), rl.key(r))
	if err != nil {
		return false, err
	}
	return count <= int64(rl.limit), nil
}

// bucketKey names the counter for the window containing now.
func (rl *RedisRateLimiter) bucketKey(key string, now time.Time) string {
	start := now.Truncate(rl.window).Unix()
	return rl.prefix + ":" + key + ":" + strconv.FormatInt(start, 10)
}

func (rl *RedisRateLimiter) hit(ctx context.Context, key string) (int64, error) {
	bucket := rl.bucketKey(key, rl.now())
	var incr *redis.IntCmd
	_, err := rl.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, bucket)
		pipe.Expire(ctx, bucket, rl.window+time.Second)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
