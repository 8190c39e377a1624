package download

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// RandFunc returns a uniformly distributed value in [0, n). n is always positive.
type RandFunc func(n int64) int64

// cryptoRand draws from crypto/rand and falls back to the midpoint when the reader fails.
func cryptoRand(n int64) int64 {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return v.Int64()
}

// Backoff computes the pause between two attempts on the same artifact.
type Backoff struct {
	Base   time.Duration
	Jitter time.Duration
	Max    time.Duration
	rand   RandFunc
}

// Delay returns Base * 2^(attempt-1) + U(0, Jitter), capped at Max when Max is set.
// attempt is the 1-based number of the attempt that just failed.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	return time.Duration(delay) + uniform(b.rand, 0, b.Jitter)
}

// uniform returns a duration in [lo, hi]. Degenerate ranges return lo.
func uniform(r RandFunc, lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	if r == nil {
		r = cryptoRand
	}
	return lo + time.Duration(r(int64(hi-lo)+1))
}

// around returns center ± spread, never negative.
func around(r RandFunc, center, spread time.Duration) time.Duration {
	d := uniform(r, center-spread, center+spread)
	if d < 0 {
		return 0
	}
	return d
}

// intBetween returns an int in [lo, hi].
func intBetween(r RandFunc, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	if r == nil {
		r = cryptoRand
	}
	return lo + int(r(int64(hi-lo)+1))
}
