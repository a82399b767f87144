package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a fixed-window Limiter shared by every router instance pointing
// at the same Redis. When Redis is unreachable it denies calls rather than
// risk exceeding a venue quota.
type Redis struct {
	client redis.Cmdable
	limits map[Key]Limit
	prefix string
	now    func() time.Time
}

// NewRedis builds a Redis-backed limiter. Sliding budgets are counted as fixed
// windows of the same size.
func NewRedis(client redis.Cmdable, prefix string, limits map[Key]Limit) (*Redis, error) {
	if client == nil {
		return nil, errors.New("ratelimit: redis client required")
	}
	copied := make(map[Key]Limit, len(limits))
	for k, l := range limits {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		// Windows are indexed by whole milliseconds.
		if l.Window < time.Millisecond {
			return nil, fmt.Errorf("redis rate limit window for %s must be at least 1ms, got %s", k, l.Window)
		}
		if l.Kind == Sliding {
			log.Warn().Str("key", k.String()).Msg("redis limiter counts sliding budgets as fixed windows")
		}
		copied[k] = l
	}
	if prefix == "" {
		prefix = "rl"
	}
	return &Redis{client: client, limits: copied, prefix: prefix, now: time.Now}, nil
}

func (r *Redis) windowKey(k Key, l Limit, now time.Time) string {
	idx := now.UnixMilli() / l.Window.Milliseconds()
	return fmt.Sprintf("%s:%s:%s:%d", r.prefix, k.Provider, k.Category, idx)
}

func (r *Redis) blockKey(k Key) string {
	return fmt.Sprintf("%s:block:%s:%s", r.prefix, k.Provider, k.Category)
}

func (r *Redis) TryAcquire(ctx context.Context, k Key) bool {
	l, ok := r.limits[k]
	if !ok {
		return true
	}
	blocked, err := r.client.Exists(ctx, r.blockKey(k)).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", k.String()).Msg("rate limit backend unavailable; denying")
		return false
	}
	if blocked > 0 {
		return false
	}

	key := r.windowKey(k, l, r.now())
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", k.String()).Msg("rate limit backend unavailable; denying")
		return false
	}
	if n == 1 {
		if err := r.client.PExpire(ctx, key, l.Window).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("set window expiry")
		}
	}
	return n <= int64(l.Requests)
}

func (r *Redis) Headroom(ctx context.Context, k Key) float64 {
	l, ok := r.limits[k]
	if !ok {
		return 1
	}
	if n, err := r.client.Exists(ctx, r.blockKey(k)).Result(); err != nil || n > 0 {
		return 0
	}
	raw, err := r.client.Get(ctx, r.windowKey(k, l, r.now())).Result()
	if errors.Is(err, redis.Nil) {
		return 1
	}
	if err != nil {
		return 0
	}
	used, _ := strconv.Atoi(raw)
	if used >= l.Requests {
		return 0
	}
	return float64(l.Requests-used) / float64(l.Requests)
}

func (r *Redis) Exhaust(ctx context.Context, k Key, d time.Duration) {
	l, ok := r.limits[k]
	if !ok {
		return
	}
	if d < l.Window {
		d = l.Window
	}
	if err := r.client.Set(ctx, r.blockKey(k), "1", d).Err(); err != nil {
		log.Warn().Err(err).Str("key", k.String()).Msg("record rate limit exhaustion")
	}
}

func (r *Redis) RetryAfter(ctx context.Context, k Key) time.Duration {
	l, ok := r.limits[k]
	if !ok {
		return 0
	}
	if ttl, err := r.client.PTTL(ctx, r.blockKey(k)).Result(); err == nil && ttl > 0 {
		return ttl
	}
	now := r.now()
	elapsed := time.Duration(now.UnixMilli()%l.Window.Milliseconds()) * time.Millisecond
	return l.Window - elapsed
}
