package memorylimiter

import (
	"context"
	"sync"
	"time"

	"github.com/PaulFidika/unlockkit/ratelimit"
)

// Limiter is a single-node sliding-window limiter used when Redis is not
// configured.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]ratelimit.Limit
	hits   map[string][]time.Time
	now    func() time.Time
}

func New(limits map[string]ratelimit.Limit) *Limiter {
	if limits == nil {
		limits = ratelimit.DefaultLimits()
	}
	return &Limiter{limits: limits, hits: make(map[string][]time.Time), now: time.Now}
}

// Allow records a hit for key in bucket. When denied it reports how long until
// the oldest hit leaves the window. Denied attempts are not recorded.
func (l *Limiter) Allow(ctx context.Context, bucket, key string) (bool, time.Duration, error) {
	_ = ctx
	if l == nil {
		return true, 0, nil
	}
	if bucket == "" || key == "" {
		return false, 0, ratelimit.ErrBucketKeyRequired
	}
	lim := ratelimit.Resolve(l.limits, bucket)
	now := l.now()
	cutoff := now.Add(-lim.Window)
	k := bucket + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hits[k]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) >= lim.Count {
		l.hits[k] = hits
		return false, hits[0].Sub(cutoff), nil
	}
	l.hits[k] = append(hits, now)
	return true, 0, nil
}

// Sweep drops keys with no hits inside their window.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, hits := range l.hits {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1]) > l.maxWindow() {
			delete(l.hits, k)
		}
	}
}

func (l *Limiter) maxWindow() time.Duration {
	w := time.Minute
	for _, lim := range l.limits {
		if lim.Window > w {
			w = lim.Window
		}
	}
	return w
}
