package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/PaulFidika/unlockkit/provider"
)

// FakeProvider is an in-memory provider.Provider. Payments start pending;
// tests drive them with Settle, Decline and FailNext.
type FakeProvider struct {
	mu       sync.Mutex
	seq      int
	payments map[string]*fakePayment
	byKey    map[string]string
	failNext map[string][]error

	Refunds  []string
	Canceled []string
}

type fakePayment struct {
	req    provider.PaymentRequest
	status provider.SettlementStatus
	reason string
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		payments: make(map[string]*fakePayment),
		byKey:    make(map[string]string),
		failNext: make(map[string][]error),
	}
}

// FailNext queues errors returned by the next calls to op
// ("create", "settlement", "cancel" or "refund").
func (f *FakeProvider) FailNext(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext[op] = append(f.failNext[op], errs...)
}

func (f *FakeProvider) popFailure(op string) error {
	q := f.failNext[op]
	if len(q) == 0 {
		return nil
	}
	f.failNext[op] = q[1:]
	return q[0]
}

func (f *FakeProvider) CreatePayment(ctx context.Context, req provider.PaymentRequest) (provider.Payment, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("create"); err != nil {
		return provider.Payment{}, err
	}
	if id, ok := f.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return provider.Payment{ID: id, ClientSecret: id + "_secret", Status: f.payments[id].status}, nil
	}
	f.seq++
	id := fmt.Sprintf("pi_test_%d", f.seq)
	f.payments[id] = &fakePayment{req: req, status: provider.Pending}
	f.byKey[req.IdempotencyKey] = id
	return provider.Payment{ID: id, ClientSecret: id + "_secret", Status: provider.Pending}, nil
}

func (f *FakeProvider) Settlement(ctx context.Context, paymentID string) (provider.Settlement, error) {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("settlement"); err != nil {
		return provider.Settlement{}, err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		return provider.Settlement{}, provider.ErrNotFound
	}
	return provider.Settlement{
		PaymentID:     paymentID,
		Status:        p.status,
		Amount:        p.req.Amount,
		DeclineReason: p.reason,
		ObservedAt:    time.Now(),
	}, nil
}

func (f *FakeProvider) Cancel(ctx context.Context, paymentID string) error {
	_ = ctx
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("cancel"); err != nil {
		return err
	}
	p, ok := f.payments[paymentID]
	if !ok {
		return provider.ErrNotFound
	}
	if p.status == provider.Settled {
		return fmt.Errorf("fake provider: payment %s already settled", paymentID)
	}
	p.status = provider.Canceled
	f.Canceled = append(f.Canceled, paymentID)
	return nil
}

func (f *FakeProvider) Refund(ctx context.Context, paymentID, reason string) error {
	_ = ctx
	_ = reason
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailure("refund"); err != nil {
		return err
	}
	if _, ok := f.payments[paymentID]; !ok {
		return provider.ErrNotFound
	}
	f.Refunds = append(f.Refunds, paymentID)
	return nil
}

// Settle marks a payment as settled.
func (f *FakeProvider) Settle(paymentID string) { f.set(paymentID, provider.Settled, "") }

// Decline marks a payment as declined.
func (f *FakeProvider) Decline(paymentID, reason string) { f.set(paymentID, provider.Declined, reason) }

func (f *FakeProvider) set(paymentID string, st provider.SettlementStatus, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.payments[paymentID]; ok {
		p.status = st
		p.reason = reason
	}
}

// RefundCount returns how many refunds were issued for paymentID.
func (f *FakeProvider) RefundCount(paymentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.Refunds {
		if id == paymentID {
			n++
		}
	}
	return n
}
