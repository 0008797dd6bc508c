// Package pgstore keeps opportunities, entitlements and subscription state in
// Postgres.
package pgstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/PaulFidika/unlockkit/access"
	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/tiers"
	"github.com/PaulFidika/unlockkit/unlock"
)

// Store implements entitlements.Store, unlock.OpportunityReader,
// unlock.ViewerSource and unlock.SubscriptionSink.
type Store struct {
	pg     *pgxpool.Pool
	schema string
	// Period is the length of one subscription activation.
	Period time.Duration
}

var (
	_ entitlements.Store       = (*Store)(nil)
	_ unlock.OpportunityReader = (*Store)(nil)
	_ unlock.ViewerSource      = (*Store)(nil)
	_ unlock.SubscriptionSink  = (*Store)(nil)
)

var errNoPool = errors.New("pgstore: no database pool")

func NewStore(pg *pgxpool.Pool, schema string) *Store {
	s := strings.TrimSpace(schema)
	if s == "" {
		s = "unlock"
	}
	return &Store{pg: pg, schema: s, Period: 30 * 24 * time.Hour}
}

func (s *Store) opportunitiesTable() string { return s.schema + ".opportunities" }
func (s *Store) entitlementsTable() string  { return s.schema + ".entitlements" }
func (s *Store) subscriptionsTable() string { return s.schema + ".subscriptions" }
func (s *Store) subPaymentsTable() string   { return s.schema + ".subscription_payments" }

const claimKinds = `('pay_per_unlock','fast_pass')`

// Publish inserts or updates an opportunity.
func (s *Store) Publish(ctx context.Context, o access.Opportunity) error {
	if s.pg == nil {
		return errNoPool
	}
	_, err := s.pg.Exec(ctx, `INSERT INTO `+s.opportunitiesTable()+` (id, category, scarcity_cap, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET category = EXCLUDED.category, scarcity_cap = EXCLUDED.scarcity_cap`,
		o.ID, o.Category, o.ScarcityCap, o.CreatedAt)
	return err
}

// Opportunity loads an opportunity with its live claim count.
func (s *Store) Opportunity(ctx context.Context, id string) (access.Opportunity, error) {
	if s.pg == nil {
		return access.Opportunity{}, errNoPool
	}
	var o access.Opportunity
	err := s.pg.QueryRow(ctx, `SELECT o.id, o.category, o.scarcity_cap, o.created_at,
			(SELECT count(*) FROM `+s.entitlementsTable()+` e
			  WHERE e.opportunity_id = o.id AND e.kind IN `+claimKinds+`
			    AND (e.expires_at IS NULL OR e.expires_at > now()))
		FROM `+s.opportunitiesTable()+` o WHERE o.id = $1`, id).
		Scan(&o.ID, &o.Category, &o.ScarcityCap, &o.CreatedAt, &o.ClaimCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Opportunity{}, unlock.ErrOpportunityNotFound
	}
	if err != nil {
		return access.Opportunity{}, err
	}
	return o, nil
}

const entitlementCols = `id::text, viewer_id, opportunity_id, kind, price_amount::text, price_currency,
	payment_id, tier, expires_at, source, metadata, created_at`

func scanEntitlement(row pgx.Row) (entitlements.Entitlement, error) {
	var (
		e        entitlements.Entitlement
		kind     string
		amount   *string
		currency *string
		payment  *string
		tier     string
	)
	if err := row.Scan(&e.ID, &e.ViewerID, &e.OpportunityID, &kind, &amount, &currency,
		&payment, &tier, &e.ExpiresAt, &e.Source, &e.Metadata, &e.CreatedAt); err != nil {
		return entitlements.Entitlement{}, err
	}
	e.Kind = entitlements.Kind(kind)
	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return entitlements.Entitlement{}, err
		}
		cur := ""
		if currency != nil {
			cur = *currency
		}
		e.PricePaid = &money.Money{Amount: d, Currency: cur}
	}
	if payment != nil {
		e.PaymentID = *payment
	}
	e.Tier, _ = tiers.Parse(tier)
	return e, nil
}

func (s *Store) ActiveFor(ctx context.Context, viewerID, opportunityID string, now time.Time) ([]entitlements.Entitlement, error) {
	if s.pg == nil {
		return nil, nil
	}
	rows, err := s.pg.Query(ctx, `SELECT `+entitlementCols+` FROM `+s.entitlementsTable()+`
		WHERE viewer_id = $1 AND opportunity_id = $2 AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY created_at`, viewerID, opportunityID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []entitlements.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountActiveClaims(ctx context.Context, opportunityID string, now time.Time) (int, error) {
	if s.pg == nil {
		return 0, errNoPool
	}
	return countClaims(ctx, s.pg, s.entitlementsTable(), opportunityID, now)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countClaims(ctx context.Context, q querier, table, opportunityID string, now time.Time) (int, error) {
	var n int
	err := q.QueryRow(ctx, `SELECT count(*) FROM `+table+`
		WHERE opportunity_id = $1 AND kind IN `+claimKinds+` AND (expires_at IS NULL OR expires_at > $2)`,
		opportunityID, now).Scan(&n)
	return n, err
}

func (s *Store) ByPaymentID(ctx context.Context, paymentID string) (entitlements.Entitlement, error) {
	if s.pg == nil {
		return entitlements.Entitlement{}, errNoPool
	}
	e, err := scanEntitlement(s.pg.QueryRow(ctx, `SELECT `+entitlementCols+` FROM `+s.entitlementsTable()+`
		WHERE payment_id = $1`, paymentID))
	if errors.Is(err, pgx.ErrNoRows) {
		return entitlements.Entitlement{}, entitlements.ErrNotFound
	}
	return e, err
}

// GrantWithinCap runs in one transaction. Capped grants take a transaction
// scoped advisory lock on the opportunity id, so the count and the insert
// cannot interleave with another node's grant.
func (s *Store) GrantWithinCap(ctx context.Context, e entitlements.Entitlement, cap int, now time.Time) (entitlements.Entitlement, bool, error) {
	if s.pg == nil {
		return entitlements.Entitlement{}, false, errNoPool
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}

	tx, err := s.pg.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return entitlements.Entitlement{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if e.PaymentID != "" {
		existing, err := scanEntitlement(tx.QueryRow(ctx, `SELECT `+entitlementCols+` FROM `+s.entitlementsTable()+`
			WHERE payment_id = $1`, e.PaymentID))
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return entitlements.Entitlement{}, false, err
		}
	}

	if e.Kind.CountsTowardCap() && cap > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, e.OpportunityID); err != nil {
			return entitlements.Entitlement{}, false, err
		}
		n, err := countClaims(ctx, tx, s.entitlementsTable(), e.OpportunityID, now)
		if err != nil {
			return entitlements.Entitlement{}, false, err
		}
		if n >= cap {
			return entitlements.Entitlement{}, false, entitlements.ErrCapReached
		}
	}

	var amount, currency, payment *string
	if e.PricePaid != nil {
		a, c := e.PricePaid.Amount.String(), e.PricePaid.Currency
		amount, currency = &a, &c
	}
	if e.PaymentID != "" {
		payment = &e.PaymentID
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	tag, err := tx.Exec(ctx, `INSERT INTO `+s.entitlementsTable()+`
		(id, viewer_id, opportunity_id, kind, price_amount, price_currency, payment_id, tier, expires_at, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_id) WHERE payment_id IS NOT NULL DO NOTHING`,
		e.ID, e.ViewerID, e.OpportunityID, string(e.Kind), amount, currency, payment,
		e.Tier.String(), e.ExpiresAt, e.Source, meta, e.CreatedAt)
	if err != nil {
		return entitlements.Entitlement{}, false, err
	}
	if tag.RowsAffected() == 0 {
		// Lost an insert race on the payment id; the winner's row is the grant.
		existing, err := scanEntitlement(tx.QueryRow(ctx, `SELECT `+entitlementCols+` FROM `+s.entitlementsTable()+`
			WHERE payment_id = $1`, e.PaymentID))
		if err != nil {
			return entitlements.Entitlement{}, false, err
		}
		return existing, false, tx.Commit(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return entitlements.Entitlement{}, false, err
	}
	return e, true, nil
}

// ActivateSubscription applies one paid activation per payment. The paid tier
// becomes current; a drop below a tier that is still paid for keeps that tier
// as grandfathered until its period ends.
func (s *Store) ActivateSubscription(ctx context.Context, viewerID string, tier tiers.Tier, paymentID string, now time.Time) error {
	if s.pg == nil {
		return errNoPool
	}
	tx, err := s.pg.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `INSERT INTO `+s.subPaymentsTable()+` (payment_id, viewer_id, tier, created_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (payment_id) DO NOTHING`, paymentID, viewerID, tier.String(), now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return nil
	}

	cur := access.Viewer{ID: viewerID, Authenticated: true}
	err = scanSubscription(tx.QueryRow(ctx, `SELECT tier, paid_through, grandfathered_tier, grandfathered_until
		FROM `+s.subscriptionsTable()+` WHERE viewer_id = $1 FOR UPDATE`, viewerID), &cur)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	next := cur.Activate(tier, now, s.Period)

	var gTier *string
	if next.GrandfatheredUntil != nil {
		name := next.GrandfatheredTier.String()
		gTier = &name
	}
	if _, err := tx.Exec(ctx, `INSERT INTO `+s.subscriptionsTable()+`
			(viewer_id, tier, paid_through, grandfathered_tier, grandfathered_until, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (viewer_id) DO UPDATE SET tier = EXCLUDED.tier, paid_through = EXCLUDED.paid_through,
			grandfathered_tier = EXCLUDED.grandfathered_tier, grandfathered_until = EXCLUDED.grandfathered_until,
			updated_at = EXCLUDED.updated_at`,
		viewerID, next.Tier.String(), *next.PaidThrough, gTier, next.GrandfatheredUntil, now); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Viewer reads the stored subscription. Lapsed subscriptions are tier none but
// keep PaidThrough and any grandfathered tier.
func (s *Store) Viewer(ctx context.Context, viewerID string) (access.Viewer, error) {
	v := access.Viewer{ID: viewerID, Tier: tiers.None, Authenticated: true}
	if s.pg == nil {
		return v, nil
	}
	err := scanSubscription(s.pg.QueryRow(ctx, `SELECT tier, paid_through, grandfathered_tier, grandfathered_until
		FROM `+s.subscriptionsTable()+` WHERE viewer_id = $1`, viewerID), &v)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, nil
	}
	if err != nil {
		return access.Viewer{}, err
	}
	if !time.Now().Before(*v.PaidThrough) {
		v.Tier = tiers.None
	}
	return v, nil
}

func scanSubscription(row pgx.Row, v *access.Viewer) error {
	var tier string
	var paidThrough time.Time
	var gTier *string
	var gUntil *time.Time
	if err := row.Scan(&tier, &paidThrough, &gTier, &gUntil); err != nil {
		return err
	}
	v.Tier, _ = tiers.Parse(tier)
	v.PaidThrough = &paidThrough
	if gTier != nil && gUntil != nil {
		v.GrandfatheredTier, _ = tiers.Parse(*gTier)
		v.GrandfatheredUntil = gUntil
	}
	return nil
}
