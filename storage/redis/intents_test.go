package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/unlock"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("UNLOCKKIT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("UNLOCKKIT_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestIntentStoreRoundTripAndList(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	s := NewIntentStore(rdb, "unlocktest:"+uuid.NewString()+":", time.Minute)

	now := time.Now().UTC().Truncate(time.Millisecond)
	older := unlock.Intent{ID: "a", ViewerID: "v", PaymentID: "pi_a", Status: unlock.StatusCreated,
		Amount: money.MustParse("9", "usd"), CreatedAt: now.Add(-time.Hour), UpdatedAt: now}
	newer := unlock.Intent{ID: "b", ViewerID: "v", PaymentID: "pi_b", Status: unlock.StatusFailed,
		RefundState: unlock.RefundPending, Amount: money.MustParse("19", "usd"), CreatedAt: now, UpdatedAt: now}
	for _, in := range []unlock.Intent{newer, older} {
		if err := s.Put(ctx, in); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ByPaymentID(ctx, "pi_a")
	if err != nil || got.ID != "a" || !got.Amount.Equal(older.Amount) {
		t.Fatalf("by payment: %+v %v", got, err)
	}
	if _, err := s.Get(ctx, "missing"); err != unlock.ErrIntentNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	all, err := s.List(ctx, unlock.IntentFilter{})
	if err != nil || len(all) != 2 || all[0].ID != "a" {
		t.Fatalf("list oldest first: %+v %v", all, err)
	}
	refunds, err := s.List(ctx, unlock.IntentFilter{RefundState: unlock.RefundPending})
	if err != nil || len(refunds) != 1 || refunds[0].ID != "b" {
		t.Fatalf("refund filter: %+v %v", refunds, err)
	}
	stale, err := s.List(ctx, unlock.IntentFilter{CreatedBefore: now.Add(-time.Minute)})
	if err != nil || len(stale) != 1 || stale[0].ID != "a" {
		t.Fatalf("created-before filter: %+v %v", stale, err)
	}
}
