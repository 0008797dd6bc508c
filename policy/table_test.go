package policy

import (
	"errors"
	"testing"

	"github.com/PaulFidika/unlockkit/freshness"
	"github.com/PaulFidika/unlockkit/money"
	"github.com/PaulFidika/unlockkit/tiers"
)

func TestDefaultTableValidates(t *testing.T) {
	if err := Default(DefaultPrices).Validate(); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}
}

func TestMonotonicDominance(t *testing.T) {
	tbl := Default(DefaultPrices)
	for _, f := range freshness.All {
		for i, lo := range tiers.Ordered {
			for _, hi := range tiers.Ordered[i+1:] {
				a, b := tbl.Lookup(f, lo).State, tbl.Lookup(f, hi).State
				if cmp, ok := Compare(a, b); ok && cmp > 0 {
					t.Fatalf("%s: %s (%s) more open than %s (%s)", f, lo, a, hi, b)
				}
				if a == Full && b != Full {
					t.Fatalf("%s: %s full but higher %s is %s", f, lo, hi, b)
				}
			}
		}
	}
}

func TestDefaultShape(t *testing.T) {
	tbl := Default(DefaultPrices)
	cases := []struct {
		f     freshness.Tier
		tier  tiers.Tier
		state ContentState
		price bool
	}{
		{freshness.Archive, tiers.Anonymous, Locked, true},
		{freshness.Archive, tiers.None, Full, false},
		{freshness.Validated, tiers.Starter, Locked, true},
		{freshness.Validated, tiers.Growth, Full, false},
		{freshness.Fresh, tiers.Starter, Locked, false},
		{freshness.Fresh, tiers.Growth, Preview, false},
		{freshness.Fresh, tiers.Team, Preview, false},
		{freshness.Fresh, tiers.Business, Full, false},
		{freshness.Hot, tiers.Growth, Locked, false},
		{freshness.Hot, tiers.Pro, FastPass, true},
		{freshness.Hot, tiers.Business, Placeholder, false},
		{freshness.Hot, tiers.Enterprise, Full, false},
	}
	for _, tc := range cases {
		o := tbl.Lookup(tc.f, tc.tier)
		if o.State != tc.state || (o.Price != nil) != tc.price {
			t.Fatalf("%s/%s = %s price=%v, want %s price=%v", tc.f, tc.tier, o.State, o.Price != nil, tc.state, tc.price)
		}
	}
	if o := tbl.Lookup(freshness.Fresh, tiers.Growth); o.CTA != CTAUpgrade || o.UpgradeTier != tiers.Business {
		t.Fatalf("fresh/growth should upsell business: %+v", o)
	}
	if o := tbl.Lookup(freshness.Hot, tiers.Business); o.CTA != CTAContactSales {
		t.Fatalf("hot/business should route to sales: %+v", o)
	}
}

func TestFullFrom(t *testing.T) {
	tbl := Default(DefaultPrices)
	want := map[freshness.Tier]tiers.Tier{
		freshness.Hot:       tiers.Enterprise,
		freshness.Fresh:     tiers.Business,
		freshness.Validated: tiers.Growth,
		freshness.Archive:   tiers.None,
	}
	for f, w := range want {
		if got, ok := tbl.FullFrom(f); !ok || got != w {
			t.Fatalf("FullFrom(%s) = %s,%v want %s", f, got, ok, w)
		}
	}
}

func TestValidateRejectsNonMonotonicTable(t *testing.T) {
	tbl := Default(DefaultPrices)
	tbl.Set(freshness.Fresh, tiers.Starter, Outcome{State: Full})
	err := tbl.Validate()
	if !errors.Is(err, ErrInvalidTable) {
		t.Fatalf("expected invalid table, got %v", err)
	}
}

func TestValidateRejectsMissingCell(t *testing.T) {
	tbl := New()
	tbl.Set(freshness.Hot, tiers.Pro, Outcome{State: Locked})
	if err := tbl.Validate(); err == nil {
		t.Fatalf("expected incomplete table to fail")
	}
}

func TestValidateRejectsPriceOnPreview(t *testing.T) {
	tbl := Default(DefaultPrices)
	tbl.Set(freshness.Fresh, tiers.Growth, Outcome{State: Preview, Price: money.MustParse("5", "usd").Ptr()})
	if err := tbl.Validate(); err == nil {
		t.Fatalf("expected priced preview to fail")
	}
}

func TestValidateRejectsCheapFastPass(t *testing.T) {
	p := DefaultPrices
	p.FastPass = money.MustParse("5.00", "usd")
	if err := Default(p).Validate(); err == nil {
		t.Fatalf("expected fast-pass cheaper than standard unlock to fail")
	}
}

func TestLookupMissingCellIsLocked(t *testing.T) {
	if o := New().Lookup(freshness.Archive, tiers.Enterprise); o.State != Locked {
		t.Fatalf("missing cell must be locked, got %s", o.State)
	}
}

func TestCompare(t *testing.T) {
	if c, ok := Compare(Locked, Full); !ok || c >= 0 {
		t.Fatalf("locked < full")
	}
	if c, ok := Compare(FastPass, PayPerUnlock); !ok || c <= 0 {
		t.Fatalf("fast_pass > pay_per_unlock")
	}
	if _, ok := Compare(Placeholder, FastPass); ok {
		t.Fatalf("placeholder and fast_pass are not comparable")
	}
}
