package timex

import (
	"math"
	"time"
)

// Doubled returns base doubled n times, saturating at the largest Duration.
func Doubled(base time.Duration, n int) time.Duration {
	d := base
	for i := 0; i < n; i++ {
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	return d
}

// BackoffCeiling is the smallest cap under which an exponential backoff
// starting at base still grows on every one of the retries that
// attempts allows.
func BackoffCeiling(base time.Duration, attempts int) time.Duration {
	return Doubled(base, attempts-2)
}
