// Package policy implements the per-tier retention policy. It is a pure
// lookup with no I/O so expiry decisions can be tested independently of any
// storage backend.
package policy

import (
	"time"

	"github.com/videobot/delivery"
)

// Policy maps caller tiers to retention durations. The zero value is not
// usable; construct with Default or NewPolicy.
type Policy struct {
	retention map[delivery.Tier]time.Duration
}

// Default returns the stock retention policy: free and trial callers keep
// files for a day, premium for a week, admin for thirty days.
func Default() Policy {
	return NewPolicy(map[delivery.Tier]uint{
		delivery.TierFree:    24,
		delivery.TierTrial:   24,
		delivery.TierPremium: 168,
		delivery.TierAdmin:   720,
	})
}

// NewPolicy builds a Policy from tier → hours. Tiers missing from the map
// fall back to the free tier's value at lookup time.
func NewPolicy(hours map[delivery.Tier]uint) Policy {
	retention := make(map[delivery.Tier]time.Duration, len(hours))
	for tier, h := range hours {
		retention[tier] = time.Duration(h) * time.Hour
	}
	return Policy{retention: retention}
}

// RetentionHours returns the retention for a tier in whole hours. Unknown
// tiers get the free tier's retention, the most conservative value.
func (p Policy) RetentionHours(tier delivery.Tier) uint {
	return uint(p.Retention(tier) / time.Hour)
}

// Retention returns the retention duration for a tier.
func (p Policy) Retention(tier delivery.Tier) time.Duration {
	if d, ok := p.retention[tier]; ok {
		return d
	}
	return p.retention[delivery.TierFree]
}

// ExpiresAt computes the expiry timestamp for an object created at the given
// time under the given tier.
func (p Policy) ExpiresAt(createdAt time.Time, tier delivery.Tier) time.Time {
	return createdAt.Add(p.Retention(tier))
}

// IsExpired reports whether an object created at createdAt under tier is past
// its retention at the instant now.
func (p Policy) IsExpired(createdAt time.Time, tier delivery.Tier, now time.Time) bool {
	return now.After(p.ExpiresAt(createdAt, tier))
}
