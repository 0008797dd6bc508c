package access

import (
	"time"

	"github.com/PaulFidika/unlockkit/tiers"
)

// Activate returns v after a paid activation of tier at now lasting period.
// The new tier always becomes current. Dropping below a tier that is still
// paid for records that tier as grandfathered until its period ends; buying
// back up to or past it clears the record.
func (v Viewer) Activate(tier tiers.Tier, now time.Time, period time.Duration) Viewer {
	if v.GrandfatheredUntil != nil && (!now.Before(*v.GrandfatheredUntil) || tier >= v.GrandfatheredTier) {
		v.GrandfatheredTier, v.GrandfatheredUntil = tiers.None, nil
	}
	if v.PaidThrough != nil && now.Before(*v.PaidThrough) && tier < v.Tier && v.Tier > v.GrandfatheredTier {
		until := *v.PaidThrough
		v.GrandfatheredTier, v.GrandfatheredUntil = v.Tier, &until
	}
	paid := now.Add(period)
	v.Tier = tier
	v.PaidThrough = &paid
	return v
}
