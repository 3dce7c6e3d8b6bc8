package poll

import (
	"math"
	"time"
)

const (
	// DefaultInterval is used when a request has no interval.
	DefaultInterval = 100 * time.Millisecond
	// DefaultMaxInterval caps Exponential backoff without a Cap.
	DefaultMaxInterval = time.Second
	// DefaultTimeout is used when a request has no timeout.
	DefaultTimeout = 10 * time.Second
)

// Backoff decides how long to wait before the next evaluation.
// attempt is the number of evaluations done so far, starting at 1.
type Backoff interface {
	Next(attempt int) time.Duration
}

// Constant waits the same interval between every evaluation.
type Constant time.Duration

// Next returns the constant interval.
func (c Constant) Next(int) time.Duration {
	if c <= 0 {
		return DefaultInterval
	}
	return time.Duration(c)
}

// Exponential grows the interval by Factor after every evaluation, starting
// at Base and never exceeding Cap.
type Exponential struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
}

// Next returns Base*Factor^(attempt-1), capped.
func (e Exponential) Next(attempt int) time.Duration {
	base, limit, factor := e.Base, e.Cap, e.Factor
	if base <= 0 {
		base = DefaultInterval
	}
	if limit <= 0 {
		limit = DefaultMaxInterval
	}
	if factor <= 1 {
		factor = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	if base >= limit {
		return limit
	}

	d := float64(base) * math.Pow(factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
