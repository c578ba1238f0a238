package util

import (
	"math/rand"
	"time"
)

// Jitter returns a random duration between 0 and min(max, base * 2^attempt).
// Full jitter keeps retries of many failed calls from lining up.
func Jitter(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	exp := max
	if attempt < 30 {
		if d := base * time.Duration(1<<attempt); d > 0 && d < max {
			exp = d
		}
	}
	if exp <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(exp)))
}
