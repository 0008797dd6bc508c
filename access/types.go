// Package access computes what a viewer may see of an opportunity.
package access

import (
	"time"

	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/freshness"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/policy"
	"github.com/PaulFidika/unlockkit/tiers"
)

// Opportunity is the subset of a published opportunity the engine reads.
type Opportunity struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Category  string    `json:"category,omitempty"`
	// ScarcityCap bounds concurrent paid claims; zero or less means uncapped.
	ScarcityCap int `json:"scarcity_cap"`
	ClaimCount  int `json:"claim_count"`
}

// CapReached reports whether no paid claim slot is left.
func (o Opportunity) CapReached() bool {
	return o.ScarcityCap > 0 && o.ClaimCount >= o.ScarcityCap
}

// Viewer is the caller whose access is being decided.
type Viewer struct {
	ID            string     `json:"id"`
	Tier          tiers.Tier `json:"tier"`
	Authenticated bool       `json:"authenticated"`
	// PaidThrough is the end of the current paid subscription period, if known.
	PaidThrough *time.Time `json:"paid_through,omitempty"`
	// GrandfatheredTier is the tier held before a downgrade. Under the
	// grandfather policy it keeps applying until GrandfatheredUntil.
	GrandfatheredTier  tiers.Tier `json:"grandfathered_tier,omitempty"`
	GrandfatheredUntil *time.Time `json:"grandfathered_until,omitempty"`
}

// PolicyTier is the policy row used for this viewer.
func (v Viewer) PolicyTier() tiers.Tier {
	if !v.Authenticated {
		return tiers.Anonymous
	}
	return v.Tier
}

// Decision is the computed access for one viewer and opportunity at one instant.
type Decision struct {
	IsAccessible        bool                `json:"is_accessible"`
	ContentState        policy.ContentState `json:"content_state"`
	UnlockPrice         *money.Money        `json:"unlock_price"`
	DaysUntilTierUnlock int                 `json:"days_until_tier_unlock"`
	CanPayToUnlock      bool                `json:"can_pay_to_unlock"`
	UnlockExpiresAt     *time.Time          `json:"unlock_expires_at"`

	Freshness freshness.Tier `json:"freshness"`
	AgeDays   int            `json:"age_days"`
	CTA       policy.CTA     `json:"cta,omitempty"`
	// UpgradeTier is set when CTA is upgrade.
	UpgradeTier *tiers.Tier `json:"upgrade_tier,omitempty"`
	// UnlockKind is the grant a purchase would create.
	UnlockKind entitlements.Kind `json:"unlock_kind,omitempty"`
	// Unavailable is true when a payable state is blocked by the scarcity cap.
	Unavailable   bool   `json:"unavailable"`
	EntitlementID string `json:"entitlement_id,omitempty"`
}

// DowngradePolicy decides how subscription-derived grants behave after a tier drop.
type DowngradePolicy string

const (
	// Revoke applies the new tier as soon as a downgrade is paid for.
	Revoke DowngradePolicy = "revoke"
	// Grandfather keeps the previous tier until the end of the period already
	// paid for at that tier, and honours subscription grants until PaidThrough.
	Grandfather DowngradePolicy = "grandfather"
)

func ParseDowngradePolicy(s string) (DowngradePolicy, bool) {
	switch DowngradePolicy(s) {
	case "", Revoke:
		return Revoke, true
	case Grandfather:
		return Grandfather, true
	}
	return "", false
}
