package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/tiers"
)

// Kind is the origin of an entitlement.
type Kind string

const (
	Subscription Kind = "subscription"
	PayPerUnlock Kind = "pay_per_unlock"
	FastPass     Kind = "fast_pass"
)

func (k Kind) Valid() bool {
	return k == Subscription || k == PayPerUnlock || k == FastPass
}

// CountsTowardCap reports whether the kind occupies a scarcity slot.
func (k Kind) CountsTowardCap() bool { return k == PayPerUnlock || k == FastPass }

// Entitlement is a confirmed grant of access for one viewer to one opportunity.
// Records are never mutated; a newer grant supersedes an older one.
type Entitlement struct {
	ID            string       `json:"id"`
	ViewerID      string       `json:"viewer_id"`
	OpportunityID string       `json:"opportunity_id"`
	Kind          Kind         `json:"kind"`
	PricePaid     *money.Money `json:"price_paid,omitempty"`
	PaymentID     string       `json:"payment_id,omitempty"`
	// Tier is the subscription tier that backed a subscription-derived grant.
	Tier      tiers.Tier     `json:"tier,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Source    string         `json:"source,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ActiveAt reports whether the grant has not expired at now.
// A nil expiry never lapses on its own.
func (e Entitlement) ActiveAt(now time.Time) bool {
	return e.ExpiresAt == nil || now.Before(*e.ExpiresAt)
}

var (
	ErrCapReached = errors.New("entitlements: scarcity cap reached")
	ErrNotFound   = errors.New("entitlements: not found")
)

// Reader lists a viewer's entitlements for an opportunity.
type Reader interface {
	// ActiveFor returns entitlements that are unexpired at now.
	ActiveFor(ctx context.Context, viewerID, opportunityID string, now time.Time) ([]Entitlement, error)
}

// Store persists entitlements.
type Store interface {
	Reader
	// CountActiveClaims counts unexpired grants that occupy a scarcity slot.
	CountActiveClaims(ctx context.Context, opportunityID string, now time.Time) (int, error)
	// GrantWithinCap inserts e unless a grant for e.PaymentID already exists, in
	// which case that grant is returned with created=false. When e's kind counts
	// toward the cap and cap > 0, the claim count check and the insert happen
	// atomically; a full opportunity yields ErrCapReached.
	GrantWithinCap(ctx context.Context, e Entitlement, cap int, now time.Time) (granted Entitlement, created bool, err error)
	// ByPaymentID returns the grant created for a payment, or ErrNotFound.
	ByPaymentID(ctx context.Context, paymentID string) (Entitlement, error)
}
