package sync

import (
	"math/rand/v2"
	"time"
)

// backoffDelay returns the delay before retry number attempt (1-based): a
// jittered draw below min(max, base*2^(attempt-1)).
func backoffDelay(attempt int, base, max time.Duration, jitter func(time.Duration) time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := base
	for i := 1; i < attempt && ceiling < max; i++ {
		ceiling *= 2
	}
	if ceiling > max {
		ceiling = max
	}
	return jitter(ceiling)
}

// fullJitter draws uniformly from [0, ceiling].
func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}
