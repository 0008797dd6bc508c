package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PaulFidika/unlockkit/unlock"
)

// IntentStore keeps unlock intents in Redis as JSON. A sorted set indexed by
// creation time backs List; a side key maps provider payment ids to intents.
type IntentStore struct {
	rdb       *redis.Client
	keyNS     string
	retention time.Duration
}

// NewIntentStore returns a Redis-backed unlock.IntentStore. Open intents and
// intents with an outstanding refund never expire; the rest are kept for
// retention.
func NewIntentStore(rdb *redis.Client, keyPrefix string, retention time.Duration) *IntentStore {
	if keyPrefix == "" {
		keyPrefix = "unlock:intent:"
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &IntentStore{rdb: rdb, keyNS: keyPrefix, retention: retention}
}

var _ unlock.IntentStore = (*IntentStore)(nil)

func (s *IntentStore) key(id string) string        { return s.keyNS + id }
func (s *IntentStore) paymentKey(id string) string { return s.keyNS + "pay:" + id }
func (s *IntentStore) indexKey() string            { return s.keyNS + "by_created" }

func (s *IntentStore) ttl(in unlock.Intent) time.Duration {
	if !in.Status.Terminal() || in.RefundState == unlock.RefundPending {
		return 0
	}
	return s.retention
}

func (s *IntentStore) Put(ctx context.Context, in unlock.Intent) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	ttl := s.ttl(in)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(in.ID), b, ttl)
	if in.PaymentID != "" {
		pipe.Set(ctx, s.paymentKey(in.PaymentID), in.ID, ttl)
	}
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(in.CreatedAt.UnixMilli()), Member: in.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *IntentStore) Get(ctx context.Context, id string) (unlock.Intent, error) {
	val, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return unlock.Intent{}, unlock.ErrIntentNotFound
	}
	if err != nil {
		return unlock.Intent{}, err
	}
	var in unlock.Intent
	if err := json.Unmarshal(val, &in); err != nil {
		return unlock.Intent{}, err
	}
	return in, nil
}

func (s *IntentStore) ByPaymentID(ctx context.Context, paymentID string) (unlock.Intent, error) {
	id, err := s.rdb.Get(ctx, s.paymentKey(paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return unlock.Intent{}, unlock.ErrIntentNotFound
	}
	if err != nil {
		return unlock.Intent{}, err
	}
	return s.Get(ctx, id)
}

// List scans the creation index oldest first. Index entries whose intent has
// expired are pruned as they are found.
func (s *IntentStore) List(ctx context.Context, f unlock.IntentFilter) ([]unlock.Intent, error) {
	upper := "+inf"
	if !f.CreatedBefore.IsZero() {
		upper = "(" + strconv.FormatInt(f.CreatedBefore.UnixMilli(), 10)
	}
	const page = 200
	var out []unlock.Intent
	for offset := int64(0); ; offset += page {
		ids, err := s.rdb.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
			Min: "-inf", Max: upper, Offset: offset, Count: page,
		}).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return out, nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key(id)
		}
		vals, err := s.rdb.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		var stale []any
		for i, v := range vals {
			raw, ok := v.(string)
			if !ok {
				stale = append(stale, ids[i])
				continue
			}
			var in unlock.Intent
			if err := json.Unmarshal([]byte(raw), &in); err != nil {
				return nil, err
			}
			if f.Match(in) {
				out = append(out, in)
				if f.Limit > 0 && len(out) >= f.Limit {
					return out, nil
				}
			}
		}
		if len(stale) > 0 {
			if err := s.rdb.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
				return nil, err
			}
			offset -= int64(len(stale))
		}
		if len(ids) < page {
			return out, nil
		}
	}
}
