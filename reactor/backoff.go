package reactor

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy is the redial schedule of a client connection:
// delay(n) = min(Initial * Multiplier^n, Max), spread by ±Jitter.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction in [0, 1)
	// MaxAttempts closes the connection for good after that many failed redials. Zero retries forever.
	MaxAttempts int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

func (b BackoffPolicy) normalize() BackoffPolicy {
	def := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before redial attempt n, counting from 0.
func (b BackoffPolicy) Delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}

// Exhausted reports whether failed attempts used up the budget.
func (b BackoffPolicy) Exhausted(failed int) bool {
	return b.MaxAttempts > 0 && failed >= b.MaxAttempts
}
