package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PaulFidika/unlockkit/unlock"
)

// IntentStore is an in-memory unlock.IntentStore. Settled, failed and expired
// intents are dropped once older than the retention window unless a refund is
// still outstanding.
type IntentStore struct {
	mu        sync.Mutex
	retention time.Duration
	data      map[string]unlock.Intent
	byPayment map[string]string
	closed    chan struct{}
	closeOnce sync.Once
}

// NewIntentStore creates a store with the given retention.
// If retention <= 0, a default of 7 days is used.
// Starts a background goroutine that prunes old intents every minute.
func NewIntentStore(retention time.Duration) *IntentStore {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	s := &IntentStore{
		retention: retention,
		data:      make(map[string]unlock.Intent),
		byPayment: make(map[string]string),
		closed:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *IntentStore) Put(ctx context.Context, in unlock.Intent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[in.ID] = in
	if in.PaymentID != "" {
		s.byPayment[in.PaymentID] = in.ID
	}
	return nil
}

func (s *IntentStore) Get(ctx context.Context, id string) (unlock.Intent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.data[id]
	if !ok {
		return unlock.Intent{}, unlock.ErrIntentNotFound
	}
	return in, nil
}

func (s *IntentStore) ByPaymentID(ctx context.Context, paymentID string) (unlock.Intent, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPayment[paymentID]
	if !ok {
		return unlock.Intent{}, unlock.ErrIntentNotFound
	}
	return s.data[id], nil
}

// List returns matching intents oldest first.
func (s *IntentStore) List(ctx context.Context, f unlock.IntentFilter) ([]unlock.Intent, error) {
	_ = ctx
	s.mu.Lock()
	var out []unlock.Intent
	for _, in := range s.data {
		if f.Match(in) {
			out = append(out, in)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *IntentStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.closed:
			return
		}
	}
}

func (s *IntentStore) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, in := range s.data {
		if !in.Status.Terminal() || in.RefundState == unlock.RefundPending {
			continue
		}
		if now.Sub(in.UpdatedAt) > s.retention {
			delete(s.data, id)
			delete(s.byPayment, in.PaymentID)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call twice.
func (s *IntentStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
