package redislimiter

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/unlockkit/ratelimit"
)

// Limiter is a sliding-window limiter shared across nodes. Each key is a
// sorted set of hit timestamps in milliseconds.
type Limiter struct {
	rdb    *redis.Client
	prefix string
	limits map[string]ratelimit.Limit
}

func New(rdb *redis.Client, prefix string, limits map[string]ratelimit.Limit) *Limiter {
	if prefix == "" {
		prefix = "unlock:rl:"
	}
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	return &Limiter{rdb: rdb, prefix: prefix, limits: limits}
}

// Allow records a hit for key in bucket and reports whether it fits the
// window. A denied hit is removed again so it does not extend the window.
func (l *Limiter) Allow(ctx context.Context, bucket, key string) (bool, time.Duration, error) {
	if l == nil || l.rdb == nil {
		return true, 0, nil
	}
	if bucket == "" || key == "" {
		return false, 0, ratelimit.ErrBucketKeyRequired
	}
	lim := ratelimit.Resolve(l.limits, bucket)
	now := time.Now().UnixMilli()
	cutoff := now - lim.Window.Milliseconds()
	k := l.prefix + bucket + ":" + key
	member := strconv.FormatInt(now, 10) + ":" + uuid.NewString()

	pipe := l.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now), Member: member})
	count := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.PExpire(ctx, k, lim.Window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	if count.Val() <= int64(lim.Count) {
		return true, 0, nil
	}
	if err := l.rdb.ZRem(ctx, k, member).Err(); err != nil {
		return false, 0, err
	}
	retry := lim.Window
	if z := oldest.Val(); len(z) > 0 {
		retry = time.Duration(int64(z[0].Score)-cutoff) * time.Millisecond
	}
	return false, retry, nil
}
