package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/tiers"
	"github.com/PaulFidika/unlockkit/unlock"
)

// OpportunityStore holds published opportunities.
type OpportunityStore struct {
	mu   sync.RWMutex
	opps map[string]access.Opportunity
}

func NewOpportunityStore(opps ...access.Opportunity) *OpportunityStore {
	s := &OpportunityStore{opps: make(map[string]access.Opportunity, len(opps))}
	for _, o := range opps {
		s.opps[o.ID] = o
	}
	return s
}

func (s *OpportunityStore) Publish(o access.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps[o.ID] = o
}

func (s *OpportunityStore) Opportunity(ctx context.Context, id string) (access.Opportunity, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.opps[id]
	if !ok {
		return access.Opportunity{}, unlock.ErrOpportunityNotFound
	}
	return o, nil
}

// SubscriptionStore records subscription activations and serves them back as
// viewer state.
type SubscriptionStore struct {
	mu       sync.Mutex
	period   time.Duration
	viewers  map[string]access.Viewer
	payments map[string]struct{}
}

// NewSubscriptionStore creates a store whose activations last period
// (default 30 days).
func NewSubscriptionStore(period time.Duration) *SubscriptionStore {
	if period <= 0 {
		period = 30 * 24 * time.Hour
	}
	return &SubscriptionStore{period: period, viewers: make(map[string]access.Viewer), payments: make(map[string]struct{})}
}

func (s *SubscriptionStore) ActivateSubscription(ctx context.Context, viewerID string, tier tiers.Tier, paymentID string, now time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.payments[paymentID]; seen {
		return nil
	}
	s.payments[paymentID] = struct{}{}
	v := s.viewers[viewerID]
	v.ID, v.Authenticated = viewerID, true
	s.viewers[viewerID] = v.Activate(tier, now, s.period)
	return nil
}

// Viewer returns the stored subscription state. Unknown viewers and lapsed
// subscriptions are tier none; PaidThrough and any grandfathered tier are kept.
func (s *SubscriptionStore) Viewer(ctx context.Context, viewerID string) (access.Viewer, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.viewers[viewerID]
	if !ok {
		return access.Viewer{ID: viewerID, Tier: tiers.None, Authenticated: true}, nil
	}
	if v.PaidThrough != nil && !time.Now().Before(*v.PaidThrough) {
		v.Tier = tiers.None
	}
	return v, nil
}
