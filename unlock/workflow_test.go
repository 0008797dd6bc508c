package unlock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/policy"
	"github.com/PaulFidika/unlockkit/provider"
	memorystore "github.com/PaulFidika/unlockkit/storage/memory"
	unlocktest "github.com/PaulFidika/unlockkit/testing"
	"github.com/PaulFidika/unlockkit/tiers"
	"github.com/PaulFidika/unlockkit/unlock"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	wf      *unlock.Workflow
	prov    *unlocktest.FakeProvider
	ents    *memorystore.EntitlementStore
	intents *memorystore.IntentStore
	opps    *memorystore.OpportunityStore
	subs    *memorystore.SubscriptionStore
	clock   *clock
}

func newHarness(t *testing.T, cfg unlock.Config) *harness {
	t.Helper()
	h := &harness{
		prov:    unlocktest.NewFakeProvider(),
		ents:    memorystore.NewEntitlementStore(),
		intents: memorystore.NewIntentStore(0),
		opps:    memorystore.NewOpportunityStore(),
		subs:    memorystore.NewSubscriptionStore(0),
		clock:   &clock{now: time.Now().UTC().Truncate(time.Second)},
	}
	t.Cleanup(func() { _ = h.intents.Close() })
	engine, err := access.NewEngine(access.Config{})
	require.NoError(t, err)
	if cfg.ReconcileInterval == 0 {
		cfg.ReconcileInterval = 5 * time.Millisecond
	}
	if cfg.ReconcileTimeout == 0 {
		cfg.ReconcileTimeout = 80 * time.Millisecond
	}
	cfg.ProviderBackoff = time.Millisecond
	h.wf, err = unlock.New(cfg, unlock.Deps{
		Engine:        engine,
		Opportunities: h.opps,
		Entitlements:  h.ents,
		Intents:       h.intents,
		Provider:      h.prov,
		Subscriptions: h.subs,
		Viewers:       h.subs,
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) publish(id string, ageDays, cap int) access.Opportunity {
	o := access.Opportunity{ID: id, CreatedAt: h.clock.Now().Add(-time.Duration(ageDays) * 24 * time.Hour), ScarcityCap: cap}
	h.opps.Publish(o)
	return o
}

func viewer(id string, tier tiers.Tier) access.Viewer {
	return access.Viewer{ID: id, Tier: tier, Authenticated: true}
}

func TestCreateIntentPreconditions(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("hot", 2, 2)

	_, err := h.wf.CreateIntent(ctx, "hot", access.Viewer{})
	require.ErrorIs(t, err, &unlock.Error{Kind: unlock.KindPreconditionFailed, Condition: unlock.CondNotAuthenticated})

	_, err = h.wf.CreateIntent(ctx, "hot", viewer("ent", tiers.Enterprise))
	require.Equal(t, unlock.CondTierGrantsFullAccess, unlock.ConditionOf(err))

	_, err = h.wf.CreateIntent(ctx, "hot", viewer("grow", tiers.Growth))
	require.Equal(t, unlock.CondPriceNotApplicable, unlock.ConditionOf(err))

	_, err = h.wf.CreateIntent(ctx, "missing", viewer("pro", tiers.Pro))
	require.ErrorIs(t, err, unlock.ErrNotFound)
}

func TestCapEnforcedBeforeIntentCreation(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("hot", 2, 1)

	first, err := h.wf.CreateIntent(ctx, "hot", viewer("a", tiers.Pro))
	require.NoError(t, err)
	h.prov.Settle(first.PaymentID)
	_, err = h.wf.ConfirmUnlock(ctx, first.PaymentID)
	require.NoError(t, err)

	_, err = h.wf.CreateIntent(ctx, "hot", viewer("b", tiers.Pro))
	require.ErrorIs(t, err, unlock.ErrPreconditionFailed)
	require.Equal(t, unlock.CondCapReached, unlock.ConditionOf(err))
}

func TestClientConfirmationNeverGrants(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	v := viewer("v1", tiers.None)
	h.publish("validated", 40, 0)
	hd, err := h.wf.CreateIntent(ctx, "validated", v)
	require.NoError(t, err)
	require.Equal(t, entitlements.PayPerUnlock, hd.Kind)
	require.True(t, hd.Amount.Equal(policy.DefaultPrices.Validated))

	in, err := h.wf.RecordClientConfirmation(ctx, hd.IntentID, "v1", "succeeded", hd.PaymentID)
	require.NoError(t, err)
	require.Equal(t, unlock.StatusClientConfirmed, in.Status)

	d, err := h.wf.Decide(ctx, "validated", v)
	require.NoError(t, err)
	require.Equal(t, policy.Locked, d.ContentState)
	require.Empty(t, h.ents.All())
}

func TestConfirmUnlockIsIdempotent(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("validated", 40, 3)
	hd, err := h.wf.CreateIntent(ctx, "validated", viewer("v1", tiers.Starter))
	require.NoError(t, err)
	h.prov.Settle(hd.PaymentID)

	first, err := h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.NoError(t, err)
	second, err := h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, h.ents.All(), 1)

	in, err := h.intents.ByPaymentID(ctx, hd.PaymentID)
	require.NoError(t, err)
	require.Equal(t, unlock.StatusServerConfirmed, in.Status)
	require.Equal(t, first.ID, in.EntitlementID)
}

func TestFastPassPurchaseUnlocksForWindow(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("hot", 1, 5)
	v := viewer("pro-1", tiers.Pro)

	hd, err := h.wf.CreateIntent(ctx, "hot", v)
	require.NoError(t, err)
	require.Equal(t, entitlements.FastPass, hd.Kind)
	require.True(t, hd.Amount.Equal(policy.DefaultPrices.FastPass))

	h.prov.Settle(hd.PaymentID)
	ent, err := h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.NoError(t, err)
	require.NotNil(t, ent.ExpiresAt)
	require.Equal(t, h.clock.Now().Add(30*24*time.Hour), *ent.ExpiresAt)

	d, err := h.wf.Decide(ctx, "hot", v)
	require.NoError(t, err)
	require.Equal(t, policy.Full, d.ContentState)
	require.Equal(t, ent.ExpiresAt, d.UnlockExpiresAt)
}

func TestCapRaceLoserIsRefunded(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("hot", 2, 1)

	a, err := h.wf.CreateIntent(ctx, "hot", viewer("a", tiers.Pro))
	require.NoError(t, err)
	b, err := h.wf.CreateIntent(ctx, "hot", viewer("b", tiers.Team))
	require.NoError(t, err)
	h.prov.Settle(a.PaymentID)
	h.prov.Settle(b.PaymentID)

	_, err = h.wf.ConfirmUnlock(ctx, a.PaymentID)
	require.NoError(t, err)
	_, err = h.wf.ConfirmUnlock(ctx, b.PaymentID)
	require.ErrorIs(t, err, unlock.ErrCapReached)

	lost, err := h.intents.ByPaymentID(ctx, b.PaymentID)
	require.NoError(t, err)
	require.Equal(t, unlock.StatusFailed, lost.Status)
	require.Equal(t, unlock.ReasonCapReached, lost.FailureReason)
	require.Equal(t, unlock.RefundRefunded, lost.RefundState)
	require.Equal(t, 1, h.prov.RefundCount(b.PaymentID))

	// Repeating the confirmation neither grants nor refunds twice.
	_, err = h.wf.ConfirmUnlock(ctx, b.PaymentID)
	require.ErrorIs(t, err, unlock.ErrCapReached)
	require.Equal(t, 1, h.prov.RefundCount(b.PaymentID))
	require.Len(t, h.ents.All(), 1)
}

func TestConcurrentConfirmationsRespectCap(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("hot", 2, 2)

	var handles []unlock.Handle
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		hd, err := h.wf.CreateIntent(ctx, "hot", viewer(id, tiers.Pro))
		require.NoError(t, err)
		h.prov.Settle(hd.PaymentID)
		handles = append(handles, hd)
	}
	var wg sync.WaitGroup
	errs := make([]error, len(handles))
	for i, hd := range handles {
		wg.Add(1)
		go func(i int, paymentID string) {
			defer wg.Done()
			_, errs[i] = h.wf.ConfirmUnlock(ctx, paymentID)
		}(i, hd.PaymentID)
	}
	wg.Wait()

	granted, capped := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			granted++
		case errors.Is(err, unlock.ErrCapReached):
			capped++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	require.Equal(t, 2, granted)
	require.Equal(t, 3, capped)
	require.Len(t, h.prov.Refunds, 3)
}

func TestDeclinedPaymentIsTerminal(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("validated", 60, 0)
	hd, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)
	h.prov.Decline(hd.PaymentID, "card_declined")

	_, err = h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.ErrorIs(t, err, unlock.ErrPaymentDeclined)
	in, _ := h.intents.ByPaymentID(ctx, hd.PaymentID)
	require.Equal(t, unlock.StatusFailed, in.Status)
	require.Empty(t, h.ents.All())
}

func TestPendingSettlementTimesOutThenWebhookCompletes(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("validated", 60, 0)
	hd, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)

	_, err = h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.ErrorIs(t, err, unlock.ErrReconciliationTimeout)
	require.True(t, unlock.KindOf(err).Retryable())
	in, _ := h.intents.ByPaymentID(ctx, hd.PaymentID)
	require.NotEqual(t, unlock.StatusFailed, in.Status)

	in, err = h.wf.RecordSettlement(ctx, provider.Settlement{PaymentID: hd.PaymentID, Status: provider.Settled})
	require.NoError(t, err)
	require.Equal(t, unlock.StatusServerConfirmed, in.Status)

	ent, err := h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.NoError(t, err)
	require.Equal(t, in.EntitlementID, ent.ID)
}

func TestProviderOutageRetriesThenSurfaces(t *testing.T) {
	h := newHarness(t, unlock.Config{ProviderMaxAttempts: 3})
	ctx := context.Background()
	h.publish("validated", 60, 0)

	h.prov.FailNext("create", provider.ErrUnavailable, provider.ErrUnavailable)
	_, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)

	h.publish("validated-2", 60, 0)
	h.prov.FailNext("create", provider.ErrUnavailable, provider.ErrUnavailable, provider.ErrUnavailable)
	_, err = h.wf.CreateIntent(ctx, "validated-2", viewer("v", tiers.Starter))
	require.ErrorIs(t, err, unlock.ErrProviderUnavailable)
}

func TestOpenIntentIsReused(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	h.publish("validated", 60, 0)
	a, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)
	b, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)
	require.Equal(t, a.IntentID, b.IntentID)
	require.Equal(t, a.ClientSecret, b.ClientSecret)
}

func TestExpireAbandonedCancelsPayment(t *testing.T) {
	h := newHarness(t, unlock.Config{IntentTTL: 10 * time.Minute})
	ctx := context.Background()
	h.publish("validated", 60, 0)
	stale, err := h.wf.CreateIntent(ctx, "validated", viewer("v", tiers.Starter))
	require.NoError(t, err)
	paid, err := h.wf.CreateIntent(ctx, "validated", viewer("w", tiers.Starter))
	require.NoError(t, err)
	h.prov.Settle(paid.PaymentID)

	h.clock.Advance(11 * time.Minute)
	n, err := h.wf.ExpireAbandoned(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	in, _ := h.intents.ByPaymentID(ctx, stale.PaymentID)
	require.Equal(t, unlock.StatusExpired, in.Status)
	require.Contains(t, h.prov.Canceled, stale.PaymentID)

	settled, _ := h.intents.ByPaymentID(ctx, paid.PaymentID)
	require.Equal(t, unlock.StatusServerConfirmed, settled.Status)
}

func TestSettlementAfterExpiryIsRefunded(t *testing.T) {
	h := newHarness(t, unlock.Config{IntentTTL: 10 * time.Minute})
	ctx := context.Background()
	h.publish("validated", 60, 0)
	hd, err := h.wf.CreateIntent(ctx, "validated", viewer("late", tiers.Starter))
	require.NoError(t, err)

	h.clock.Advance(11 * time.Minute)
	n, err := h.wf.ExpireAbandoned(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for i := 0; i < 2; i++ {
		_, err = h.wf.RecordSettlement(ctx, provider.Settlement{PaymentID: hd.PaymentID, Status: provider.Settled})
		require.ErrorIs(t, err, unlock.ErrPreconditionFailed)
		require.Contains(t, err.Error(), "expired before payment settled")
	}
	in, _ := h.intents.ByPaymentID(ctx, hd.PaymentID)
	require.Equal(t, unlock.StatusExpired, in.Status)
	require.Equal(t, unlock.ReasonSettledLate, in.FailureReason)
	require.Equal(t, unlock.RefundRefunded, in.RefundState)
	require.Equal(t, 1, h.prov.RefundCount(hd.PaymentID))
	require.Empty(t, h.ents.All())
}

func TestRefundRetriesEndInManualReview(t *testing.T) {
	h := newHarness(t, unlock.Config{RefundMaxAttempts: 2, ProviderMaxAttempts: 1})
	ctx := context.Background()
	h.publish("hot", 2, 1)
	a, _ := h.wf.CreateIntent(ctx, "hot", viewer("a", tiers.Pro))
	b, _ := h.wf.CreateIntent(ctx, "hot", viewer("b", tiers.Pro))
	h.prov.Settle(a.PaymentID)
	h.prov.Settle(b.PaymentID)
	_, err := h.wf.ConfirmUnlock(ctx, a.PaymentID)
	require.NoError(t, err)

	h.prov.FailNext("refund", provider.ErrUnavailable, provider.ErrUnavailable)
	_, err = h.wf.ConfirmUnlock(ctx, b.PaymentID)
	require.ErrorIs(t, err, unlock.ErrCapReached)
	in, _ := h.intents.ByPaymentID(ctx, b.PaymentID)
	require.Equal(t, unlock.RefundPending, in.RefundState)

	n, err := h.wf.RetryRefunds(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)
	in, _ = h.intents.ByPaymentID(ctx, b.PaymentID)
	require.Equal(t, unlock.RefundManualReview, in.RefundState)
	require.Equal(t, 2, in.RefundAttempts)
}

func TestRetryRefundsSucceeds(t *testing.T) {
	h := newHarness(t, unlock.Config{DisableAutoRefund: true})
	ctx := context.Background()
	h.publish("hot", 2, 1)
	a, _ := h.wf.CreateIntent(ctx, "hot", viewer("a", tiers.Pro))
	b, _ := h.wf.CreateIntent(ctx, "hot", viewer("b", tiers.Pro))
	h.prov.Settle(a.PaymentID)
	h.prov.Settle(b.PaymentID)
	_, _ = h.wf.ConfirmUnlock(ctx, a.PaymentID)
	_, _ = h.wf.ConfirmUnlock(ctx, b.PaymentID)
	require.Zero(t, h.prov.RefundCount(b.PaymentID))

	n, err := h.wf.RetryRefunds(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, h.prov.RefundCount(b.PaymentID))
}

func TestSubscriptionPurchase(t *testing.T) {
	h := newHarness(t, unlock.Config{})
	ctx := context.Background()
	v := viewer("sub-1", tiers.Starter)

	_, err := h.wf.CreateSubscriptionIntent(ctx, v, tiers.Starter)
	require.Equal(t, unlock.CondNotUpgrade, unlock.ConditionOf(err))
	_, err = h.wf.CreateSubscriptionIntent(ctx, v, tiers.Enterprise)
	require.Equal(t, unlock.CondPriceNotApplicable, unlock.ConditionOf(err))

	hd, err := h.wf.CreateSubscriptionIntent(ctx, v, tiers.Pro)
	require.NoError(t, err)
	require.NotNil(t, hd.TargetTier)
	require.Equal(t, tiers.Pro, *hd.TargetTier)

	h.prov.Settle(hd.PaymentID)
	in, err := h.wf.ConfirmSubscription(ctx, hd.PaymentID)
	require.NoError(t, err)
	require.Equal(t, unlock.StatusServerConfirmed, in.Status)

	got, err := h.subs.Viewer(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, tiers.Pro, got.Tier)

	_, err = h.wf.ConfirmUnlock(ctx, hd.PaymentID)
	require.Equal(t, unlock.CondInvalidTransition, unlock.ConditionOf(err))
}
