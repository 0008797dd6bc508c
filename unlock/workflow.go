package unlock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/metrics"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/policy"
	"github.com/PaulFidika/unlockkit/provider"
	"github.com/PaulFidika/unlockkit/tiers"
)

// Config tunes the workflow. Zero values take defaults.
type Config struct {
	IntentTTL          time.Duration
	FastPassWindow     time.Duration
	PayPerUnlockWindow time.Duration
	ReconcileInterval  time.Duration
	ReconcileTimeout   time.Duration

	ProviderMaxAttempts int
	ProviderBackoff     time.Duration
	RefundMaxAttempts   int
	// DisableAutoRefund leaves cap-race losers pending for the refund sweep.
	DisableAutoRefund bool

	SubscriptionPrices map[tiers.Tier]money.Money
}

// DefaultSubscriptionPrices are monthly prices; enterprise is sold by sales.
var DefaultSubscriptionPrices = map[tiers.Tier]money.Money{
	tiers.Starter:  money.MustParse("19.00", "usd"),
	tiers.Growth:   money.MustParse("49.00", "usd"),
	tiers.Pro:      money.MustParse("99.00", "usd"),
	tiers.Team:     money.MustParse("199.00", "usd"),
	tiers.Business: money.MustParse("499.00", "usd"),
}

func (c Config) defaulted() Config {
	if c.IntentTTL <= 0 {
		c.IntentTTL = 30 * time.Minute
	}
	if c.FastPassWindow <= 0 {
		c.FastPassWindow = 30 * 24 * time.Hour
	}
	if c.PayPerUnlockWindow <= 0 {
		c.PayPerUnlockWindow = 365 * 24 * time.Hour
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 2 * time.Second
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = 30 * time.Second
	}
	if c.ProviderMaxAttempts <= 0 {
		c.ProviderMaxAttempts = 3
	}
	if c.ProviderBackoff <= 0 {
		c.ProviderBackoff = 200 * time.Millisecond
	}
	if c.RefundMaxAttempts <= 0 {
		c.RefundMaxAttempts = 5
	}
	if c.SubscriptionPrices == nil {
		c.SubscriptionPrices = DefaultSubscriptionPrices
	}
	return c
}

// Deps are the workflow's collaborators. Subscriptions, Viewers, Events,
// Metrics, Logger and Now are optional.
type Deps struct {
	Engine        *access.Engine
	Opportunities OpportunityReader
	Entitlements  entitlements.Store
	Intents       IntentStore
	Provider      provider.Provider
	Subscriptions SubscriptionSink
	Viewers       ViewerSource
	Events        EventLogger
	Metrics       *metrics.Recorder
	Logger        logrus.FieldLogger
	Now           func() time.Time
}

type Workflow struct {
	cfg  Config
	deps Deps
	log  logrus.FieldLogger
	keys *keyedMutex
}

func New(cfg Config, deps Deps) (*Workflow, error) {
	switch {
	case deps.Engine == nil:
		return nil, errors.New("unlock: engine required")
	case deps.Opportunities == nil:
		return nil, errors.New("unlock: opportunity reader required")
	case deps.Entitlements == nil:
		return nil, errors.New("unlock: entitlement store required")
	case deps.Intents == nil:
		return nil, errors.New("unlock: intent store required")
	case deps.Provider == nil:
		return nil, errors.New("unlock: payment provider required")
	}
	if deps.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		deps.Logger = l
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Workflow{
		cfg:  cfg.defaulted(),
		deps: deps,
		log:  deps.Logger.WithField("component", "unlock"),
		keys: newKeyedMutex(),
	}, nil
}

func (w *Workflow) Config() Config { return w.cfg }

func (w *Workflow) now() time.Time { return w.deps.Now().UTC() }

// CreateIntent starts a one-time unlock for viewer on opportunityID. The
// scarcity cap is re-checked against a fresh claim count; no entitlement is
// created here.
func (w *Workflow) CreateIntent(ctx context.Context, opportunityID string, viewer access.Viewer) (Handle, error) {
	if !viewer.Authenticated || viewer.ID == "" {
		return Handle{}, precondition(CondNotAuthenticated, "sign in to unlock")
	}
	unlockKey := w.keys.Lock("opp:" + opportunityID + ":" + viewer.ID)
	defer unlockKey()

	now := w.now()
	opp, d, err := w.decideFresh(ctx, opportunityID, viewer, now)
	if err != nil {
		return Handle{}, err
	}
	switch {
	case d.ContentState == policy.Full:
		return Handle{}, precondition(CondTierGrantsFullAccess, "viewer already has full access")
	case d.Unavailable:
		return Handle{}, precondition(CondCapReached, "opportunity %s has no unlock slots left", opp.ID)
	case !d.CanPayToUnlock || d.UnlockPrice == nil:
		return Handle{}, precondition(CondPriceNotApplicable, "no unlock price for content state %s", d.ContentState)
	}

	if open, ok := w.openIntent(ctx, IntentFilter{ViewerID: viewer.ID, OpportunityID: opp.ID}, d.UnlockKind, *d.UnlockPrice, now); ok {
		return w.handle(open), nil
	}

	in := Intent{
		ID:            uuid.NewString(),
		Purpose:       PurposeUnlock,
		OpportunityID: opp.ID,
		ViewerID:      viewer.ID,
		Kind:          d.UnlockKind,
		Amount:        *d.UnlockPrice,
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return w.startPayment(ctx, in, fmt.Sprintf("%s unlock for opportunity %s", in.Kind, opp.ID))
}

// CreateSubscriptionIntent starts a subscription purchase for tier. Any tier
// other than the current one may be bought; a lower one is a downgrade.
func (w *Workflow) CreateSubscriptionIntent(ctx context.Context, viewer access.Viewer, tier tiers.Tier) (Handle, error) {
	if !viewer.Authenticated || viewer.ID == "" {
		return Handle{}, precondition(CondNotAuthenticated, "sign in to subscribe")
	}
	if !tier.Subscribable() {
		return Handle{}, precondition(CondPriceNotApplicable, "tier %s cannot be purchased", tier)
	}
	if viewer.Tier == tier {
		return Handle{}, precondition(CondNotUpgrade, "viewer already holds %s", viewer.Tier)
	}
	price, ok := w.cfg.SubscriptionPrices[tier]
	if !ok {
		return Handle{}, precondition(CondPriceNotApplicable, "tier %s is sold by sales", tier)
	}
	unlockKey := w.keys.Lock("sub:" + viewer.ID)
	defer unlockKey()

	now := w.now()
	open, err := w.deps.Intents.List(ctx, IntentFilter{
		ViewerID: viewer.ID,
		Statuses: []Status{StatusCreated, StatusClientConfirmed},
	})
	if err != nil {
		return Handle{}, fmt.Errorf("unlock: list open intents: %w", err)
	}
	for _, in := range open {
		if in.Purpose == PurposeSubscription && in.TargetTier == tier && now.Sub(in.CreatedAt) < w.cfg.IntentTTL {
			return w.handle(in), nil
		}
	}

	in := Intent{
		ID:         uuid.NewString(),
		Purpose:    PurposeSubscription,
		ViewerID:   viewer.ID,
		Kind:       entitlements.Subscription,
		TargetTier: tier,
		Amount:     price,
		Status:     StatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	return w.startPayment(ctx, in, fmt.Sprintf("%s subscription", tier))
}

func (w *Workflow) startPayment(ctx context.Context, in Intent, description string) (Handle, error) {
	meta := map[string]string{
		"intent_id": in.ID,
		"viewer_id": in.ViewerID,
		"purpose":   string(in.Purpose),
		"kind":      string(in.Kind),
	}
	if in.OpportunityID != "" {
		meta["opportunity_id"] = in.OpportunityID
	}
	if in.Purpose == PurposeSubscription {
		meta["tier"] = in.TargetTier.String()
	}
	p, err := retryProvider(ctx, w, "create payment", func() (provider.Payment, error) {
		return w.deps.Provider.CreatePayment(ctx, provider.PaymentRequest{
			IdempotencyKey: in.ID,
			Amount:         in.Amount,
			Description:    description,
			Metadata:       meta,
		})
	})
	if err != nil {
		w.log.WithError(err).WithFields(logrus.Fields{
			"viewer_id":      in.ViewerID,
			"opportunity_id": in.OpportunityID,
			"purpose":        in.Purpose,
		}).Warn("create payment failed")
		return Handle{}, err
	}
	in.PaymentID = p.ID
	in.ClientSecret = p.ClientSecret
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		return Handle{}, fmt.Errorf("unlock: save intent: %w", err)
	}
	w.deps.Metrics.IntentCreated(string(in.Purpose), string(in.Kind))
	w.emit(ctx, EventIntentCreated, in)
	w.log.WithFields(logrus.Fields{
		"intent_id":      in.ID,
		"payment_id":     in.PaymentID,
		"viewer_id":      in.ViewerID,
		"opportunity_id": in.OpportunityID,
		"kind":           in.Kind,
	}).Info("intent created")
	return w.handle(in), nil
}

// RecordClientConfirmation stores the status the client received from the
// provider. It never grants access.
func (w *Workflow) RecordClientConfirmation(ctx context.Context, intentID, viewerID, clientStatus, paymentID string) (Intent, error) {
	in, err := w.deps.Intents.Get(ctx, intentID)
	if err != nil {
		return Intent{}, w.intentErr(err, intentID)
	}
	if in.ViewerID != viewerID {
		return Intent{}, newError(KindNotFound, nil, "intent %s", intentID)
	}
	unlockKey := w.keys.Lock("pay:" + in.PaymentID)
	defer unlockKey()
	if in, err = w.deps.Intents.Get(ctx, intentID); err != nil {
		return Intent{}, w.intentErr(err, intentID)
	}
	if paymentID != "" && paymentID != in.PaymentID {
		return Intent{}, precondition(CondInvalidTransition, "payment %s does not belong to intent %s", paymentID, intentID)
	}

	now := w.now()
	status := strings.ToLower(strings.TrimSpace(clientStatus))
	in.ClientStatus = status
	in.UpdatedAt = now
	switch status {
	case "succeeded", "processing", "requires_capture":
		if in.Status == StatusCreated {
			_ = in.transition(StatusClientConfirmed, now)
			w.emit(ctx, EventClientConfirmed, in)
		}
	case "canceled":
		in.fail(ReasonCanceled, now)
	}
	if err := w.deps.Intents.Put(ctx, in); err != nil {
		return Intent{}, fmt.Errorf("unlock: save intent: %w", err)
	}
	return in, nil
}

// Intent returns an intent owned by viewerID.
func (w *Workflow) Intent(ctx context.Context, intentID, viewerID string) (Intent, error) {
	in, err := w.deps.Intents.Get(ctx, intentID)
	if err != nil {
		return Intent{}, w.intentErr(err, intentID)
	}
	if viewerID != "" && in.ViewerID != viewerID {
		return Intent{}, newError(KindNotFound, nil, "intent %s", intentID)
	}
	return in, nil
}

// IntentForPayment returns the intent behind a provider payment, owned by viewerID.
func (w *Workflow) IntentForPayment(ctx context.Context, paymentID, viewerID string) (Intent, error) {
	in, err := w.deps.Intents.ByPaymentID(ctx, paymentID)
	if err != nil {
		return Intent{}, w.intentErr(err, paymentID)
	}
	if viewerID != "" && in.ViewerID != viewerID {
		return Intent{}, newError(KindNotFound, nil, "payment %s", paymentID)
	}
	return in, nil
}

// Decide loads fresh opportunity, claim and entitlement state and evaluates access.
func (w *Workflow) Decide(ctx context.Context, opportunityID string, viewer access.Viewer) (access.Decision, error) {
	_, d, err := w.decideFresh(ctx, opportunityID, viewer, w.now())
	return d, err
}

func (w *Workflow) decideFresh(ctx context.Context, opportunityID string, viewer access.Viewer, now time.Time) (access.Opportunity, access.Decision, error) {
	opp, err := w.deps.Opportunities.Opportunity(ctx, opportunityID)
	if err != nil {
		if errors.Is(err, ErrOpportunityNotFound) {
			return opp, access.Decision{}, newError(KindNotFound, err, "opportunity %s", opportunityID)
		}
		return opp, access.Decision{}, fmt.Errorf("unlock: load opportunity: %w", err)
	}
	claims, err := w.deps.Entitlements.CountActiveClaims(ctx, opp.ID, now)
	if err != nil {
		return opp, access.Decision{}, fmt.Errorf("unlock: count claims: %w", err)
	}
	if claims > opp.ClaimCount {
		opp.ClaimCount = claims
	}
	var ents []entitlements.Entitlement
	if viewer.Authenticated && viewer.ID != "" {
		if ents, err = w.deps.Entitlements.ActiveFor(ctx, viewer.ID, opp.ID, now); err != nil {
			return opp, access.Decision{}, fmt.Errorf("unlock: load entitlements: %w", err)
		}
	}
	d := w.deps.Engine.Decide(opp, viewer, ents, now)
	w.deps.Metrics.Decision(string(d.ContentState), d.Freshness.String())
	return opp, d, nil
}

func (w *Workflow) openIntent(ctx context.Context, f IntentFilter, kind entitlements.Kind, amount money.Money, now time.Time) (Intent, bool) {
	f.Statuses = []Status{StatusCreated, StatusClientConfirmed}
	open, err := w.deps.Intents.List(ctx, f)
	if err != nil {
		w.log.WithError(err).Warn("list open intents failed")
		return Intent{}, false
	}
	for _, in := range open {
		if in.Kind == kind && in.Amount.Equal(amount) && now.Sub(in.CreatedAt) < w.cfg.IntentTTL {
			return in, true
		}
	}
	return Intent{}, false
}

func (w *Workflow) handle(in Intent) Handle {
	h := Handle{
		IntentID:     in.ID,
		PaymentID:    in.PaymentID,
		ClientSecret: in.ClientSecret,
		Amount:       in.Amount,
		Kind:         in.Kind,
		Status:       in.Status,
		ExpiresAt:    in.CreatedAt.Add(w.cfg.IntentTTL),
	}
	if in.Purpose == PurposeSubscription {
		t := in.TargetTier
		h.TargetTier = &t
	}
	return h
}

func (w *Workflow) intentErr(err error, ref string) error {
	if errors.Is(err, ErrIntentNotFound) {
		return newError(KindNotFound, err, "intent %s", ref)
	}
	return fmt.Errorf("unlock: load intent: %w", err)
}

func (w *Workflow) emit(ctx context.Context, t EventType, in Intent) {
	if w.deps.Events == nil {
		return
	}
	if err := w.deps.Events.LogUnlockEvent(ctx, eventFor(t, in, w.now())); err != nil {
		w.log.WithError(err).WithField("event", t).Warn("event logger failed")
	}
}

func (w *Workflow) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.ProviderBackoff
	b.MaxInterval = 10 * w.cfg.ProviderBackoff
	return b
}

// retryProvider retries transient provider failures with capped exponential
// backoff and maps the final error onto the workflow taxonomy.
func retryProvider[T any](ctx context.Context, w *Workflow, op string, fn func() (T, error)) (T, error) {
	v, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, provider.ErrUnavailable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(w.newBackOff()), backoff.WithMaxTries(uint(w.cfg.ProviderMaxAttempts)))
	if err == nil {
		return v, nil
	}
	switch {
	case errors.Is(err, provider.ErrDeclined):
		return v, newError(KindPaymentDeclined, err, "%s", op)
	case errors.Is(err, provider.ErrUnavailable):
		return v, newError(KindProviderUnavailable, err, "%s", op)
	case errors.Is(err, provider.ErrNotFound):
		return v, newError(KindNotFound, err, "%s", op)
	}
	return v, fmt.Errorf("unlock: %s: %w", op, err)
}
