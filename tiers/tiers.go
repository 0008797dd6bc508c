package tiers

import (
	"fmt"
	"strings"
)

// Tier is a subscription level. Higher values strictly dominate lower ones.
type Tier int

const (
	// Anonymous is the policy row for unauthenticated viewers; it sits below None.
	Anonymous Tier = iota - 1
	None
	Starter
	Growth
	Pro
	Team
	Business
	Enterprise
)

// Ordered lists every policy row from lowest to highest.
var Ordered = []Tier{Anonymous, None, Starter, Growth, Pro, Team, Business, Enterprise}

var names = map[Tier]string{
	Anonymous:  "anonymous",
	None:       "none",
	Starter:    "starter",
	Growth:     "growth",
	Pro:        "pro",
	Team:       "team",
	Business:   "business",
	Enterprise: "enterprise",
}

func (t Tier) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := names[t]
	return ok
}

// AtLeast reports whether t dominates or equals other.
func (t Tier) AtLeast(other Tier) bool { return t >= other }

// Subscribable reports whether t can be purchased (anonymous and none cannot).
func (t Tier) Subscribable() bool { return t > None && t.Valid() }

// Parse resolves a tier name. Empty input maps to None.
func Parse(s string) (Tier, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return None, true
	}
	for t, name := range names {
		if name == s {
			return t, true
		}
	}
	return None, false
}

func (t Tier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("tiers: invalid tier %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *Tier) UnmarshalText(b []byte) error {
	v, ok := Parse(string(b))
	if !ok {
		return fmt.Errorf("tiers: unknown tier %q", string(b))
	}
	*t = v
	return nil
}
