package cache

import (
	"math"
	"time"
)

// Effective TTL bounds. Policy output is clamped here no matter what the
// weights produce.
const (
	MinEffectiveTTL = 10 * time.Second
	MaxEffectiveTTL = 24 * time.Hour
)

// Alchemy derives an entry's effective TTL from its original TTL, how hot
// the key is, and how often its answer set has changed. Hot stable names
// stay longer; names that flap (CDN rotations, DGA lookalikes) get cut
// short. Applied at admission and recomputed on every hit.
type Alchemy struct {
	Enabled          bool
	FrequencyWeight  float64
	VolatilityWeight float64
}

// DefaultAlchemy matches the shipped configuration defaults.
func DefaultAlchemy() Alchemy {
	return Alchemy{
		Enabled:          true,
		FrequencyWeight:  0.3,
		VolatilityWeight: 0.5,
	}
}

// Effective computes the adjusted TTL:
//
//	effective = original
//	          x (1 + frequency_weight * log2(1 + hits_per_hour))
//	          x (1 - volatility_weight * min(1, changes_last_hour/4))
//
// clamped to [MinEffectiveTTL, MaxEffectiveTTL].
func (a Alchemy) Effective(original time.Duration, hitsPerHour float64, changesLastHour int) time.Duration {
	if !a.Enabled {
		return clampEffective(original)
	}
	if hitsPerHour < 0 {
		hitsPerHour = 0
	}
	boost := 1 + a.FrequencyWeight*math.Log2(1+hitsPerHour)
	churn := float64(changesLastHour) / 4
	if churn > 1 {
		churn = 1
	}
	damp := 1 - a.VolatilityWeight*churn
	if damp < 0 {
		damp = 0
	}
	return clampEffective(time.Duration(float64(original) * boost * damp))
}

func clampEffective(d time.Duration) time.Duration {
	if d < MinEffectiveTTL {
		return MinEffectiveTTL
	}
	if d > MaxEffectiveTTL {
		return MaxEffectiveTTL
	}
	return d
}
