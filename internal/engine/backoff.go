package engine

import (
	"math/rand"
	"time"
)

// nextBackoff computes the delay before retry number attempt (0-based):
// base doubled per attempt, capped, with ±50% jitter so a burst of failed
// tasks does not retry in lockstep.
func nextBackoff(attempt int, base, cap time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 0; i < attempt && d < cap; i++ {
		d *= 2
	}
	if cap > 0 && d > cap {
		d = cap
	}
	// jitter in [0.5, 1.5)
	factor := 0.5 + rng.Float64()
	return time.Duration(float64(d) * factor)
}
