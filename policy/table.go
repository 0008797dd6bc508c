package policy

import (
	"errors"
	"fmt"

	"github.com/PaulFidika/unlockkit/freshness"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/tiers"
)

// Prices configures the one-time unlock prices used by Default.
type Prices struct {
	Archive   money.Money
	Validated money.Money
	FastPass  money.Money
}

// DefaultPrices are used when no prices are configured.
var DefaultPrices = Prices{
	Archive:   money.MustParse("9.00", "usd"),
	Validated: money.MustParse("19.00", "usd"),
	FastPass:  money.MustParse("49.00", "usd"),
}

type cell struct {
	f freshness.Tier
	t tiers.Tier
}

// Table is a two-key lookup of freshness tier × subscription tier.
type Table struct {
	cells map[cell]Outcome
}

// New returns an empty table. Use Set to populate it and Validate before use.
func New() *Table {
	return &Table{cells: make(map[cell]Outcome)}
}

func (t *Table) Set(f freshness.Tier, tier tiers.Tier, o Outcome) *Table {
	t.cells[cell{f, tier}] = o
	return t
}

// Lookup returns the outcome for a cell. Missing cells resolve to Locked so a
// partially built table never opens content.
func (t *Table) Lookup(f freshness.Tier, tier tiers.Tier) Outcome {
	if t == nil {
		return Outcome{State: Locked}
	}
	if o, ok := t.cells[cell{f, tier}]; ok {
		return o
	}
	return Outcome{State: Locked}
}

// FullFrom returns the lowest tier rendering Full at f.
func (t *Table) FullFrom(f freshness.Tier) (tiers.Tier, bool) {
	for _, tier := range tiers.Ordered {
		if t.Lookup(f, tier).State == Full {
			return tier, true
		}
	}
	return tiers.None, false
}

// Default builds the marketplace table:
//
//	ARCHIVE    anonymous locked+payable, every signed-in tier full
//	VALIDATED  growth and above full, lower tiers locked+payable
//	FRESH      business and above full, growth..team preview, lower locked
//	HOT        enterprise full, business placeholder, pro..team fast_pass, lower locked
func Default(p Prices) *Table {
	t := New()
	for _, tier := range tiers.Ordered {
		switch {
		case tier == tiers.Anonymous:
			t.Set(freshness.Archive, tier, Outcome{State: Locked, Price: p.Archive.Ptr(), CTA: CTAPurchase})
		default:
			t.Set(freshness.Archive, tier, Outcome{State: Full})
		}

		switch {
		case tier >= tiers.Growth:
			t.Set(freshness.Validated, tier, Outcome{State: Full})
		case tier == tiers.Anonymous:
			t.Set(freshness.Validated, tier, Outcome{State: Locked, Price: p.Validated.Ptr(), CTA: CTASignIn})
		default:
			t.Set(freshness.Validated, tier, Outcome{State: Locked, Price: p.Validated.Ptr(), CTA: CTAPurchase})
		}

		switch {
		case tier >= tiers.Business:
			t.Set(freshness.Fresh, tier, Outcome{State: Full})
		case tier >= tiers.Growth:
			t.Set(freshness.Fresh, tier, Outcome{State: Preview, CTA: CTAUpgrade, UpgradeTier: tiers.Business})
		case tier == tiers.Anonymous:
			t.Set(freshness.Fresh, tier, Outcome{State: Locked, CTA: CTASignIn})
		default:
			t.Set(freshness.Fresh, tier, Outcome{State: Locked, CTA: CTAUpgrade, UpgradeTier: tiers.Business})
		}

		switch {
		case tier >= tiers.Enterprise:
			t.Set(freshness.Hot, tier, Outcome{State: Full})
		case tier == tiers.Business:
			t.Set(freshness.Hot, tier, Outcome{State: Placeholder, CTA: CTAContactSales})
		case tier >= tiers.Pro:
			t.Set(freshness.Hot, tier, Outcome{State: FastPass, Price: p.FastPass.Ptr(), CTA: CTAPurchase})
		case tier == tiers.Anonymous:
			t.Set(freshness.Hot, tier, Outcome{State: Locked, CTA: CTASignIn})
		default:
			t.Set(freshness.Hot, tier, Outcome{State: Locked, CTA: CTAUpgrade, UpgradeTier: tiers.Pro})
		}
	}
	return t
}

// ErrInvalidTable wraps every Validate failure.
var ErrInvalidTable = errors.New("policy: invalid table")

// Validate checks the table is complete, monotonic in subscription tier,
// prices only payable states, and prices fast-pass above every standard unlock.
func (t *Table) Validate() error {
	var errs []error
	var maxStandard *money.Money
	var minFastPass *money.Money

	for _, f := range freshness.All {
		for i, tier := range tiers.Ordered {
			o, ok := t.cells[cell{f, tier}]
			if !ok {
				errs = append(errs, fmt.Errorf("%w: missing cell %s/%s", ErrInvalidTable, f, tier))
				continue
			}
			if o.Price != nil && !o.State.Payable() {
				errs = append(errs, fmt.Errorf("%w: %s/%s prices non-payable state %s", ErrInvalidTable, f, tier, o.State))
			}
			if (o.State == FastPass || o.State == PayPerUnlock) && o.Price == nil {
				errs = append(errs, fmt.Errorf("%w: %s/%s state %s has no price", ErrInvalidTable, f, tier, o.State))
			}
			if o.Price != nil {
				if o.State == FastPass {
					if minFastPass == nil || minFastPass.GreaterThan(*o.Price) {
						minFastPass = o.Price
					}
				} else if maxStandard == nil || o.Price.GreaterThan(*maxStandard) {
					maxStandard = o.Price
				}
			}
			for _, lower := range tiers.Ordered[:i] {
				lo, ok := t.cells[cell{f, lower}]
				if !ok {
					continue
				}
				if cmp, comparable := Compare(lo.State, o.State); comparable && cmp > 0 {
					errs = append(errs, fmt.Errorf("%w: %s/%s (%s) is more open than %s/%s (%s)",
						ErrInvalidTable, f, lower, lo.State, f, tier, o.State))
				}
			}
		}
	}
	if minFastPass != nil && maxStandard != nil && !minFastPass.GreaterThan(*maxStandard) {
		errs = append(errs, fmt.Errorf("%w: fast-pass price %s must exceed standard unlock price %s",
			ErrInvalidTable, minFastPass, maxStandard))
	}
	return errors.Join(errs...)
}
