package redislimiter

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/unlockkit/ratelimit"
)

func TestNilClientAllows(t *testing.T) {
	var l *Limiter
	if ok, _, err := l.Allow(context.Background(), ratelimit.BucketConfirm, "v"); !ok || err != nil {
		t.Fatalf("nil limiter must allow: %v %v", ok, err)
	}
}

func TestSlidingWindowAcrossClients(t *testing.T) {
	url := os.Getenv("UNLOCKKIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("UNLOCKKIT_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	prefix := "unlocktest:rl:" + uuid.NewString() + ":"
	limits := map[string]ratelimit.Limit{ratelimit.BucketIntentCreate: {Count: 2, Window: time.Minute}}
	a, b := New(rdb, prefix, limits), New(rdb, prefix, limits)
	ctx := context.Background()

	if ok, _, err := a.Allow(ctx, ratelimit.BucketIntentCreate, "viewer:1"); !ok || err != nil {
		t.Fatalf("first: %v %v", ok, err)
	}
	if ok, _, err := b.Allow(ctx, ratelimit.BucketIntentCreate, "viewer:1"); !ok || err != nil {
		t.Fatalf("second: %v %v", ok, err)
	}
	ok, retry, err := a.Allow(ctx, ratelimit.BucketIntentCreate, "viewer:1")
	if ok || err != nil || retry <= 0 || retry > time.Minute {
		t.Fatalf("third: ok=%v retry=%s err=%v", ok, retry, err)
	}
	if n := rdb.ZCard(ctx, prefix+ratelimit.BucketIntentCreate+":viewer:1").Val(); n != 2 {
		t.Fatalf("denied hit must not be kept, card=%d", n)
	}
	if _, _, err := a.Allow(ctx, ratelimit.BucketIntentCreate, ""); !errors.Is(err, ratelimit.ErrBucketKeyRequired) {
		t.Fatalf("empty key: %v", err)
	}
}
