// Package freshness buckets opportunities by age.
package freshness

import (
	"fmt"
	"time"
)

// Tier is an age bucket. Values increase with age.
type Tier int

const (
	Hot Tier = iota
	Fresh
	Validated
	Archive
)

// All lists tiers from newest to oldest.
var All = []Tier{Hot, Fresh, Validated, Archive}

// Inclusive lower bounds in days.
var minAge = map[Tier]int{
	Hot:       0,
	Fresh:     8,
	Validated: 31,
	Archive:   91,
}

func (t Tier) String() string {
	switch t {
	case Hot:
		return "HOT"
	case Fresh:
		return "FRESH"
	case Validated:
		return "VALIDATED"
	case Archive:
		return "ARCHIVE"
	default:
		return fmt.Sprintf("freshness(%d)", int(t))
	}
}

func (t Tier) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// MinAge is the first age in days that classifies as t.
func (t Tier) MinAge() int { return minAge[t] }

// Next returns the following (older) tier, if any.
func (t Tier) Next() (Tier, bool) {
	if t >= Archive {
		return t, false
	}
	return t + 1, true
}

// Classify maps an age in days to its tier. Negative ages clamp to HOT.
func Classify(ageDays int) Tier {
	switch {
	case ageDays <= 7:
		return Hot
	case ageDays <= 30:
		return Fresh
	case ageDays <= 90:
		return Validated
	default:
		return Archive
	}
}

// AgeDays returns whole days elapsed since createdAt, clamped at zero.
func AgeDays(createdAt, now time.Time) int {
	d := now.Sub(createdAt)
	if d <= 0 {
		return 0
	}
	return int(d / (24 * time.Hour))
}
