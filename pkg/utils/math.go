package utils

import (
	"math"
	"time"
)

// SaturatingAddUint64 adds two counters, clamping at the maximum
// instead of wrapping.
func SaturatingAddUint64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// SaturatingIncUint64 increments a counter, clamping at the maximum.
func SaturatingIncUint64(a uint64) uint64 {
	return SaturatingAddUint64(a, 1)
}

// NonNegDuration clamps a time delta at zero. Protects against clock
// non-monotonicity.
func NonNegDuration(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
