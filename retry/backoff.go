package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffState is the serializable delay calculator for one command. The
// Fibonacci pair is carried forward so each step is O(1) and survives
// checkpoint/resume.
type BackoffState struct {
	Strategy      BackoffKind   `json:"strategy"`
	CurrentDelay  time.Duration `json:"current_delay"`
	BaseDelay     time.Duration `json:"base_delay"`
	MaxDelay      time.Duration `json:"max_delay"`
	Multiplier    float64       `json:"multiplier"`
	Increment     time.Duration `json:"increment,omitempty"`
	JitterEnabled bool          `json:"jitter_enabled"`
	JitterFactor  float64       `json:"jitter_factor"`
	FibPrev       uint64        `json:"fibonacci_prev,omitempty"`
	FibCurr       uint64        `json:"fibonacci_curr,omitempty"`
	FibN          int           `json:"fibonacci_n,omitempty"`
}

// NewBackoffState initializes backoff from a policy with defaults applied.
func NewBackoffState(p Policy) BackoffState {
	p = p.WithDefaults()
	increment := p.Backoff.Increment.Std()
	if increment <= 0 {
		increment = p.InitialDelay.Std()
	}
	return BackoffState{
		Strategy:      p.Backoff.Kind,
		CurrentDelay:  p.InitialDelay.Std(),
		BaseDelay:     p.InitialDelay.Std(),
		MaxDelay:      p.MaxDelay.Std(),
		Multiplier:    p.Backoff.Base,
		Increment:     increment,
		JitterEnabled: p.Jitter,
		JitterFactor:  p.JitterFactor,
	}
}

// Delay returns the un-jittered delay to apply after the given failed
// attempt (1-based), clamped to [BaseDelay, MaxDelay].
func (b *BackoffState) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch b.Strategy {
	case BackoffFixed:
		d = b.BaseDelay
	case BackoffLinear:
		d = b.BaseDelay + time.Duration(attempt-1)*b.Increment
	case BackoffFibonacci:
		fib := b.fibonacci(attempt)
		if b.BaseDelay > 0 && fib > uint64(math.MaxInt64/int64(b.BaseDelay)) {
			d = b.ceiling()
		} else {
			d = time.Duration(fib) * b.BaseDelay
		}
	default:
		mult := math.Pow(b.Multiplier, float64(attempt-1))
		f := float64(b.BaseDelay) * mult
		if f >= float64(math.MaxInt64) || math.IsInf(f, 0) {
			d = b.ceiling()
		} else {
			d = time.Duration(f)
		}
	}
	return b.clamp(d)
}

// Next computes the delay after attempt, records it as CurrentDelay and
// applies jitter when enabled.
func (b *BackoffState) Next(attempt int, rnd func() float64) time.Duration {
	d := b.Delay(attempt)
	b.CurrentDelay = d
	if !b.JitterEnabled || b.JitterFactor <= 0 {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return ApplyJitter(d, b.JitterFactor, rnd())
}

// ApplyJitter scales d by a factor in [1-factor, 1+factor]; u is a uniform
// sample in [0, 1).
func ApplyJitter(d time.Duration, factor, u float64) time.Duration {
	scale := 1 - factor + 2*factor*u
	out := time.Duration(float64(d) * scale)
	if out < 0 {
		return 0
	}
	return out
}

// ceiling is the delay an overflowing computation saturates to.
func (b *BackoffState) ceiling() time.Duration {
	if b.MaxDelay > 0 {
		return b.MaxDelay
	}
	return time.Duration(math.MaxInt64)
}

func (b *BackoffState) clamp(d time.Duration) time.Duration {
	if d > b.MaxDelay && b.MaxDelay > 0 {
		d = b.MaxDelay
	}
	if d < b.BaseDelay {
		d = b.BaseDelay
	}
	return d
}

// fibonacci returns fib(n) with fib(1) = fib(2) = 1, advancing the stored
// pair when n moves forward by one and recomputing otherwise.
func (b *BackoffState) fibonacci(n int) uint64 {
	if n <= 2 {
		b.FibN, b.FibPrev, b.FibCurr = n, 1, 1
		if n == 1 {
			b.FibPrev = 0
		}
		return 1
	}
	if b.FibN == n {
		return b.FibCurr
	}
	if b.FibN == n-1 && b.FibCurr > 0 {
		b.FibPrev, b.FibCurr = b.FibCurr, addSaturating(b.FibPrev, b.FibCurr)
		b.FibN = n
		return b.FibCurr
	}
	prev, curr := uint64(1), uint64(1)
	for i := 3; i <= n && curr < math.MaxUint64; i++ {
		prev, curr = curr, addSaturating(prev, curr)
	}
	b.FibN, b.FibPrev, b.FibCurr = n, prev, curr
	return curr
}

func addSaturating(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
