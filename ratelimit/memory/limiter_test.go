package memorylimiter

import (
	"context"
	"testing"
	"time"

	"github.com/PaulFidika/unlockkit/ratelimit"
)

func TestSlidingWindow(t *testing.T) {
	l := New(map[string]ratelimit.Limit{ratelimit.BucketIntentCreate: {Count: 2, Window: time.Minute}})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if ok, _, err := l.Allow(ctx, ratelimit.BucketIntentCreate, "v1"); !ok || err != nil {
			t.Fatalf("hit %d denied: %v", i, err)
		}
	}
	ok, retry, _ := l.Allow(ctx, ratelimit.BucketIntentCreate, "v1")
	if ok || retry != time.Minute {
		t.Fatalf("third hit: ok=%v retry=%s", ok, retry)
	}
	if ok, _, _ := l.Allow(ctx, ratelimit.BucketIntentCreate, "v2"); !ok {
		t.Fatalf("keys must not share a window")
	}

	now = now.Add(time.Minute + time.Millisecond)
	if ok, _, _ := l.Allow(ctx, ratelimit.BucketIntentCreate, "v1"); !ok {
		t.Fatalf("window should have slid")
	}
}

func TestRequiresBucketAndKey(t *testing.T) {
	if _, _, err := New(nil).Allow(context.Background(), "", "k"); err != ratelimit.ErrBucketKeyRequired {
		t.Fatalf("expected ErrBucketKeyRequired, got %v", err)
	}
	var nilLimiter *Limiter
	if ok, _, err := nilLimiter.Allow(context.Background(), "b", "k"); !ok || err != nil {
		t.Fatalf("nil limiter allows everything")
	}
}

func TestSweepDropsIdleKeys(t *testing.T) {
	l := New(nil)
	now := time.Now()
	l.now = func() time.Time { return now }
	_, _, _ = l.Allow(context.Background(), ratelimit.BucketConfirm, "v")
	now = now.Add(2 * time.Minute)
	l.Sweep()
	if len(l.hits) != 0 {
		t.Fatalf("idle key kept: %v", l.hits)
	}
}
