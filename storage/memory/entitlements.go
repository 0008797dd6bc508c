// Package memorystore provides in-memory stores for single-node deployments
// and tests.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/PaulFidika/unlockkit/entitlements"
)

// EntitlementStore is an in-memory entitlements.Store. The cap check and
// insert in GrantWithinCap run under one lock.
type EntitlementStore struct {
	mu        sync.Mutex
	items     []entitlements.Entitlement
	byPayment map[string]int
}

func NewEntitlementStore() *EntitlementStore {
	return &EntitlementStore{byPayment: make(map[string]int)}
}

func (s *EntitlementStore) ActiveFor(ctx context.Context, viewerID, opportunityID string, now time.Time) ([]entitlements.Entitlement, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entitlements.Entitlement
	for _, e := range s.items {
		if e.ViewerID == viewerID && e.OpportunityID == opportunityID && e.ActiveAt(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *EntitlementStore) CountActiveClaims(ctx context.Context, opportunityID string, now time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countLocked(opportunityID, now), nil
}

func (s *EntitlementStore) countLocked(opportunityID string, now time.Time) int {
	n := 0
	for _, e := range s.items {
		if e.OpportunityID == opportunityID && e.Kind.CountsTowardCap() && e.ActiveAt(now) {
			n++
		}
	}
	return n
}

func (s *EntitlementStore) GrantWithinCap(ctx context.Context, e entitlements.Entitlement, cap int, now time.Time) (entitlements.Entitlement, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.PaymentID != "" {
		if i, ok := s.byPayment[e.PaymentID]; ok {
			return s.items[i], false, nil
		}
	}
	if cap > 0 && e.Kind.CountsTowardCap() && s.countLocked(e.OpportunityID, now) >= cap {
		return entitlements.Entitlement{}, false, entitlements.ErrCapReached
	}
	s.items = append(s.items, e)
	if e.PaymentID != "" {
		s.byPayment[e.PaymentID] = len(s.items) - 1
	}
	return e, true, nil
}

func (s *EntitlementStore) ByPaymentID(ctx context.Context, paymentID string) (entitlements.Entitlement, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byPayment[paymentID]
	if !ok {
		return entitlements.Entitlement{}, entitlements.ErrNotFound
	}
	return s.items[i], nil
}

// All returns every stored grant, including expired ones.
func (s *EntitlementStore) All() []entitlements.Entitlement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entitlements.Entitlement(nil), s.items...)
}
