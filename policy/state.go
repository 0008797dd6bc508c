// Package policy holds the freshness × subscription tier lookup table that
// decides the base content state a viewer is served.
package policy

import (
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/tiers"
)

// ContentState is the visibility level served to a viewer.
type ContentState string

const (
	Locked       ContentState = "locked"
	Placeholder  ContentState = "placeholder"
	Preview      ContentState = "preview"
	PayPerUnlock ContentState = "pay_per_unlock"
	FastPass     ContentState = "fast_pass"
	Full         ContentState = "full"
)

// Payable reports whether a one-time purchase can apply to this state.
func (s ContentState) Payable() bool {
	return s == Locked || s == PayPerUnlock || s == FastPass
}

// CTA is the call-to-action the presentation layer should offer.
type CTA string

const (
	CTANone         CTA = ""
	CTASignIn       CTA = "sign_in"
	CTAUpgrade      CTA = "upgrade"
	CTAContactSales CTA = "contact_sales"
	CTAPurchase     CTA = "purchase"
)

// Outcome is one cell of the policy table.
type Outcome struct {
	State ContentState `json:"content_state"`
	Price *money.Money `json:"base_unlock_price,omitempty"`
	CTA   CTA          `json:"cta,omitempty"`
	// UpgradeTier is the lowest tier rendering full at the same freshness; set with CTAUpgrade.
	UpgradeTier tiers.Tier `json:"upgrade_tier,omitempty"`
}

// Purchasable reports whether the outcome offers a one-time unlock.
func (o Outcome) Purchasable() bool { return o.Price != nil && o.State.Payable() }

// chains of the visibility partial order. Each maps a state to its rank.
var (
	teaserChain = map[ContentState]int{Locked: 0, Placeholder: 1, Preview: 2, Full: 3}
	paidChain   = map[ContentState]int{Locked: 0, PayPerUnlock: 1, FastPass: 2, Full: 3}
)

// Compare orders two states by openness. ok is false when the states sit on
// different chains (e.g. placeholder vs fast_pass) and cannot be ranked.
func Compare(a, b ContentState) (cmp int, ok bool) {
	for _, chain := range []map[ContentState]int{teaserChain, paidChain} {
		ra, okA := chain[a]
		rb, okB := chain[b]
		if okA && okB {
			switch {
			case ra < rb:
				return -1, true
			case ra > rb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}
