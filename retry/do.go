package retry

import (
	"context"
	"time"
)

type doConfig struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*doConfig)

// WithMaxRetries sets how many times a recoverable failure is retried. The
// function always runs at least once.
func WithMaxRetries(n int) Option {
	return func(c *doConfig) { c.maxRetries = n }
}

// WithBaseWait sets the first backoff delay; later delays double.
func WithBaseWait(d time.Duration) Option {
	return func(c *doConfig) { c.baseWait = d }
}

// WithMaxWait caps the backoff delay.
func WithMaxWait(d time.Duration) Option {
	return func(c *doConfig) { c.maxWait = d }
}

// Do calls fn until it succeeds, returns a non-recoverable error or the
// retries run out. Internal I/O such as checkpoint writes goes through it.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	cfg := doConfig{maxRetries: 3, baseWait: 100 * time.Millisecond, maxWait: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	wait := cfg.baseWait
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= cfg.maxRetries || !IsRecoverable(err) {
			return err
		}
		if serr := sleepContext(ctx, wait); serr != nil {
			return err
		}
		wait = min(wait*2, cfg.maxWait)
	}
}
