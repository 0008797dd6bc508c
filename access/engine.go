package access

import (
	"fmt"
	"time"

	"github.com/PaulFidika/unlockkit/entitlements"
	"github.com/PaulFidika/unlockkit/freshness"
	"github.com/PaulFidika/unlockkit/policy"
	"github.com/PaulFidika/unlockkit/tiers"
)

// Config configures an Engine.
type Config struct {
	Table     *policy.Table
	Downgrade DowngradePolicy
}

func (c Config) defaulted() Config {
	if c.Table == nil {
		c.Table = policy.Default(policy.DefaultPrices)
	}
	if c.Downgrade == "" {
		c.Downgrade = Revoke
	}
	return c
}

// Engine evaluates access decisions. It performs no I/O and is safe for
// concurrent use.
type Engine struct {
	table     *policy.Table
	downgrade DowngradePolicy
}

// NewEngine validates the policy table and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.defaulted()
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}
	if _, ok := ParseDowngradePolicy(string(cfg.Downgrade)); !ok {
		return nil, fmt.Errorf("access: unknown downgrade policy %q", cfg.Downgrade)
	}
	return &Engine{table: cfg.Table, downgrade: cfg.Downgrade}, nil
}

func (e *Engine) Table() *policy.Table { return e.table }

// Decide returns the access decision for viewer on opp at now, given the
// viewer's entitlements. It never fails and is deterministic for equal inputs.
func (e *Engine) Decide(opp Opportunity, viewer Viewer, ents []entitlements.Entitlement, now time.Time) Decision {
	age := freshness.AgeDays(opp.CreatedAt, now)
	f := freshness.Classify(age)
	row := e.EffectiveTier(viewer, now)
	out := e.table.Lookup(f, row)

	d := Decision{
		ContentState:        out.State,
		Freshness:           f,
		AgeDays:             age,
		CTA:                 out.CTA,
		DaysUntilTierUnlock: e.daysUntilFull(f, age, row),
	}
	if out.CTA == policy.CTAUpgrade {
		up := out.UpgradeTier
		d.UpgradeTier = &up
	}

	if ent, ok := e.bestEntitlement(opp, viewer, ents, now); ok {
		d.ContentState = policy.Full
		d.IsAccessible = true
		d.UnlockExpiresAt = ent.ExpiresAt
		d.EntitlementID = ent.ID
		d.CTA = policy.CTANone
		d.UpgradeTier = nil
		d.DaysUntilTierUnlock = 0
		return d
	}

	if out.State == policy.Full {
		d.IsAccessible = true
		return d
	}

	if out.Purchasable() {
		d.UnlockKind = entitlements.PayPerUnlock
		if out.State == policy.FastPass {
			d.UnlockKind = entitlements.FastPass
		}
		if opp.CapReached() {
			d.Unavailable = true
			d.CTA = policy.CTANone
			return d
		}
		price := *out.Price
		d.UnlockPrice = &price
		d.CanPayToUnlock = true
	}
	return d
}

// EffectiveTier is the policy row for viewer at now. Under the grandfather
// policy a downgraded viewer keeps the previous tier until GrandfatheredUntil.
func (e *Engine) EffectiveTier(viewer Viewer, now time.Time) tiers.Tier {
	row := viewer.PolicyTier()
	if e.downgrade != Grandfather || !viewer.Authenticated || viewer.GrandfatheredUntil == nil {
		return row
	}
	if now.Before(*viewer.GrandfatheredUntil) && viewer.GrandfatheredTier > row {
		return viewer.GrandfatheredTier
	}
	return row
}

// daysUntilFull counts days until the opportunity ages into a freshness tier
// row renders full. 0 when already full, -1 when never.
func (e *Engine) daysUntilFull(f freshness.Tier, age int, row tiers.Tier) int {
	if e.table.Lookup(f, row).State == policy.Full {
		return 0
	}
	for next, ok := f.Next(); ok; next, ok = next.Next() {
		if e.table.Lookup(next, row).State == policy.Full {
			return next.MinAge() - age
		}
	}
	return -1
}

// bestEntitlement picks the honoured grant with the latest expiry; a grant
// without expiry beats any dated one.
func (e *Engine) bestEntitlement(opp Opportunity, viewer Viewer, ents []entitlements.Entitlement, now time.Time) (entitlements.Entitlement, bool) {
	if !viewer.Authenticated {
		return entitlements.Entitlement{}, false
	}
	var best entitlements.Entitlement
	found := false
	for _, ent := range ents {
		if !e.honoured(ent, opp, viewer, now) {
			continue
		}
		if !found || later(ent.ExpiresAt, best.ExpiresAt) {
			best, found = ent, true
		}
	}
	return best, found
}

func (e *Engine) honoured(ent entitlements.Entitlement, opp Opportunity, viewer Viewer, now time.Time) bool {
	if !ent.Kind.Valid() || !ent.ActiveAt(now) {
		return false
	}
	if ent.OpportunityID != "" && ent.OpportunityID != opp.ID {
		return false
	}
	if ent.ViewerID != "" && viewer.ID != "" && ent.ViewerID != viewer.ID {
		return false
	}
	if ent.Kind != entitlements.Subscription {
		return true
	}
	if e.EffectiveTier(viewer, now).AtLeast(ent.Tier) {
		return true
	}
	return e.downgrade == Grandfather && viewer.PaidThrough != nil && now.Before(*viewer.PaidThrough)
}

func later(a, b *time.Time) bool {
	if b == nil {
		return false
	}
	if a == nil {
		return true
	}
	return a.After(*b)
}
