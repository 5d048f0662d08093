package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

func newTestExecutor(clock *fakeClock, opts ...func(*Options)) *Executor {
	o := Options{Now: clock.Now, Sleep: clock.Sleep}
	for _, fn := range opts {
		fn(&o)
	}
	return NewExecutor(o)
}

func overloaded() error {
	code := 1
	return subprocess.NewCommandError("assistant", subprocess.Result{Stderr: "error: overloaded", ExitCode: &code})
}

func scenarioPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		Backoff:      Backoff{Kind: BackoffExponential, Base: 2},
		InitialDelay: Duration(time.Second),
	}
}

func TestRecoverableError(t *testing.T) {
	err := NewRecoverableError(errors.New("test error"))
	assert.True(t, IsRecoverable(err))
	assert.False(t, IsRecoverable(errors.New("test error")))
	assert.False(t, IsRecoverable(nil))
	assert.False(t, IsRecoverable(NewNonRecoverableError(errors.New("connection reset"))))
	assert.True(t, IsRecoverable(errors.New("upstream connection reset by peer")))
	assert.True(t, IsRecoverable(context.DeadlineExceeded))
	assert.False(t, IsRecoverable(context.Canceled))
	assert.True(t, IsRecoverable(overloaded()))
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	count := 0
	err := Do(ctx, func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(3), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, "test error", err.Error())
	assert.Equal(t, 4, count)
}

func TestDoZeroMaxRetries(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return NewRecoverableError(errors.New("test error"))
	}, WithMaxRetries(0), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	count := 0
	err := Do(context.Background(), func() error {
		count++
		return errors.New("disk full")
	}, WithMaxRetries(5), WithBaseWait(time.Millisecond))
	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestBackoffDelays(t *testing.T) {
	cases := []struct {
		name   string
		policy Policy
		want   []time.Duration
	}{
		{
			name:   "fixed",
			policy: Policy{Backoff: Backoff{Kind: BackoffFixed}, InitialDelay: Duration(2 * time.Second)},
			want:   []time.Duration{2 * time.Second, 2 * time.Second, 2 * time.Second},
		},
		{
			name:   "linear",
			policy: Policy{Backoff: Backoff{Kind: BackoffLinear, Increment: Duration(3 * time.Second)}, InitialDelay: Duration(time.Second)},
			want:   []time.Duration{time.Second, 4 * time.Second, 7 * time.Second},
		},
		{
			name:   "exponential clamped",
			policy: Policy{Backoff: Backoff{Kind: BackoffExponential, Base: 2}, InitialDelay: Duration(time.Second), MaxDelay: Duration(5 * time.Second)},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second},
		},
		{
			name:   "fibonacci",
			policy: Policy{Backoff: Backoff{Kind: BackoffFibonacci}, InitialDelay: Duration(time.Second), MaxDelay: Duration(time.Minute)},
			want:   []time.Duration{time.Second, time.Second, 2 * time.Second, 3 * time.Second, 5 * time.Second, 8 * time.Second},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := NewBackoffState(tc.policy)
			for i, want := range tc.want {
				require.Equal(t, want, b.Delay(i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestFibonacciRecomputesOutOfOrder(t *testing.T) {
	b := NewBackoffState(Policy{Backoff: Backoff{Kind: BackoffFibonacci}, InitialDelay: Duration(time.Second), MaxDelay: Duration(time.Hour)})
	require.Equal(t, 13*time.Second, b.Delay(7))
	require.Equal(t, 21*time.Second, b.Delay(8))
	require.Equal(t, 2*time.Second, b.Delay(3))
}

func TestLargeAttemptsSaturateAtMaxDelay(t *testing.T) {
	fib := NewBackoffState(Policy{Backoff: Backoff{Kind: BackoffFibonacci}, InitialDelay: Duration(time.Second), MaxDelay: Duration(time.Hour)})
	for _, attempt := range []int{60, 93, 94, 200} {
		require.Equal(t, time.Hour, fib.Delay(attempt), "attempt %d", attempt)
	}
	// Advancing one attempt at a time past the uint64 range stays saturated.
	for attempt := 1; attempt <= 120; attempt++ {
		d := fib.Delay(attempt)
		require.GreaterOrEqual(t, d, time.Second)
		require.LessOrEqual(t, d, time.Hour)
	}
	require.Equal(t, time.Hour, fib.Delay(121))

	exp := NewBackoffState(Policy{Backoff: Backoff{Kind: BackoffExponential, Base: 2}, InitialDelay: Duration(time.Second), MaxDelay: Duration(time.Hour)})
	require.Equal(t, time.Hour, exp.Delay(500))
}

func TestJitterBounds(t *testing.T) {
	require.InDelta(t, float64(900*time.Millisecond), float64(ApplyJitter(time.Second, 0.1, 0)), float64(time.Microsecond))
	require.InDelta(t, float64(time.Second), float64(ApplyJitter(time.Second, 0.1, 0.5)), float64(time.Microsecond))
	require.InDelta(t, float64(1100*time.Millisecond), float64(ApplyJitter(time.Second, 0.1, 0.999999)), float64(time.Millisecond))

	b := NewBackoffState(Policy{Jitter: true, InitialDelay: Duration(time.Second)})
	d := b.Next(1, func() float64 { return 0 })
	require.InDelta(t, float64(900*time.Millisecond), float64(d), float64(time.Microsecond))
	require.Equal(t, time.Second, b.CurrentDelay)
}

// A command that fails twice with a transient error and then succeeds makes
// three attempts with exponential delays of one and two seconds.
func TestRunTransientThenSuccess(t *testing.T) {
	clock := newFakeClock()
	var checkpoints []*CommandState
	exec := newTestExecutor(clock, func(o *Options) {
		o.OnCheckpoint = func(_ context.Context, st *CommandState) error {
			checkpoints = append(checkpoints, st)
			return nil
		}
	})

	calls := 0
	err := exec.Run(context.Background(), "step-0", scenarioPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		require.Equal(t, calls, attempt)
		if calls < 3 {
			return overloaded()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.sleeps)

	st, ok := exec.State("step-0")
	require.True(t, ok)
	require.Equal(t, 3, st.AttemptCount)
	require.Len(t, st.History, 3)
	require.False(t, st.History[0].Success)
	require.Equal(t, time.Second, st.History[0].Backoff)
	require.Equal(t, 1, *st.History[0].ExitCode)
	require.True(t, st.History[2].Success)
	require.Equal(t, 3*time.Second, st.TotalRetryTime)
	require.Equal(t, CircuitClosed, exec.Breaker("step-0").Status())

	// One checkpoint before each sleep plus the final one.
	require.Len(t, checkpoints, 3)
	require.Equal(t, 1, checkpoints[0].AttemptCount)
	require.Equal(t, clock.Now().Add(-2*time.Second), checkpoints[0].NextRetryAt)
}

// Five consecutive transient failures stop at three attempts, open the
// circuit, and refuse the next call until the recovery window passes.
func TestRunOpensCircuit(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock)

	calls := 0
	failing := func(ctx context.Context, attempt int) error {
		calls++
		if calls <= 5 {
			return overloaded()
		}
		return nil
	}
	err := exec.Run(context.Background(), "step-0", scenarioPolicy(), failing)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrCircuitOpen))
	require.Equal(t, 3, calls)

	st, _ := exec.State("step-0")
	require.Equal(t, 3, st.AttemptCount)
	require.True(t, st.CircuitBroken)
	require.Equal(t, CircuitOpen, exec.Breaker("step-0").Status())

	err = exec.Run(context.Background(), "step-0", scenarioPolicy(), failing)
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 3, calls)

	clock.Advance(59 * time.Second)
	err = exec.Run(context.Background(), "step-0", scenarioPolicy(), failing)
	require.ErrorIs(t, err, ErrCircuitOpen)

	clock.Advance(2 * time.Second)
	err = exec.Run(context.Background(), "step-0", scenarioPolicy(), failing)
	require.Error(t, err)
	require.Equal(t, 4, calls)
	require.Equal(t, CircuitOpen, exec.Breaker("step-0").Status())
}

func TestRunPermanentErrorIsNotRetried(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock)
	calls := 0
	code := 2
	permanent := subprocess.NewCommandError("shell", subprocess.Result{Stderr: "syntax error", ExitCode: &code})
	err := exec.Run(context.Background(), "lint", scenarioPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
	require.Empty(t, clock.sleeps)
}

func TestRunRetryOnMatchers(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock)
	p := scenarioPolicy()
	p.RetryOn = []string{`flaky test \d+`}
	calls := 0
	err := exec.Run(context.Background(), "test", p, func(ctx context.Context, attempt int) error {
		calls++
		if calls == 1 {
			return errors.New("flaky test 42 failed")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	calls = 0
	err = exec.Run(context.Background(), "other", p, func(ctx context.Context, attempt int) error {
		calls++
		return overloaded()
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRunCondition(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock)
	p := scenarioPolicy()
	p.MaxAttempts = 5
	p.Condition = "attempt < 2"
	calls := 0
	err := exec.Run(context.Background(), "cmd", p, func(ctx context.Context, attempt int) error {
		calls++
		return overloaded()
	})
	require.Error(t, err)
	require.Equal(t, 2, calls)
}

func TestRunBudgetExhausted(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock)
	p := scenarioPolicy()
	p.MaxAttempts = 10
	p.Backoff = Backoff{Kind: BackoffFixed}
	p.InitialDelay = Duration(4 * time.Second)
	p.RetryBudget = Duration(10 * time.Second)
	calls := 0
	err := exec.Run(context.Background(), "cmd", p, func(ctx context.Context, attempt int) error {
		calls++
		return overloaded()
	})
	require.ErrorIs(t, err, ErrBudgetExhausted)
	require.Equal(t, 3, calls)
	var total time.Duration
	for _, d := range clock.sleeps {
		total += d
	}
	require.LessOrEqual(t, total, 10*time.Second)
}

func TestResumeContinuesMidBudget(t *testing.T) {
	clock := newFakeClock()
	var last *CommandState
	crashed := errors.New("crash")
	exec := newTestExecutor(clock, func(o *Options) {
		o.OnCheckpoint = func(_ context.Context, st *CommandState) error {
			last = st
			return nil
		}
		o.Sleep = func(ctx context.Context, d time.Duration) error { return crashed }
	})
	p := scenarioPolicy()
	p.RetryBudget = Duration(time.Hour)
	err := exec.Run(context.Background(), "cmd", p, func(ctx context.Context, attempt int) error {
		return overloaded()
	})
	require.ErrorIs(t, err, crashed)
	require.Equal(t, 1, last.AttemptCount)

	snapshot := exec.Snapshot()
	// The persisted form survives a JSON round trip.
	data, err := xjson.Marshal(snapshot)
	require.NoError(t, err)
	var restored CheckpointState
	require.NoError(t, xjson.Unmarshal(data, &restored))

	clock.Advance(10 * time.Minute)
	resumed := newTestExecutor(clock)
	resumed.Restore(&restored)
	var attempts []int
	err = resumed.Run(context.Background(), "cmd", p, func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{2}, attempts)
	st, _ := resumed.State("cmd")
	require.Equal(t, snapshot.Commands["cmd"].BudgetExpiresAt.UTC(), st.BudgetExpiresAt.UTC())
	require.Equal(t, snapshot.Commands["cmd"].CorrelationID, st.CorrelationID)
}

func TestCheckpointFailureAbortsLoop(t *testing.T) {
	clock := newFakeClock()
	exec := newTestExecutor(clock, func(o *Options) {
		o.OnCheckpoint = func(context.Context, *CommandState) error { return errors.New("disk full") }
	})
	calls := 0
	err := exec.Run(context.Background(), "cmd", scenarioPolicy(), func(ctx context.Context, attempt int) error {
		calls++
		return overloaded()
	})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, 1, calls)
	require.Empty(t, clock.sleeps)
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(BreakerConfig{Threshold: 2, RecoveryTimeout: time.Minute, HalfOpenCalls: 2})
	require.True(t, cb.Allow(now))
	cb.RecordFailure(now)
	require.Equal(t, CircuitClosed, cb.Status())
	cb.RecordFailure(now)
	require.Equal(t, CircuitOpen, cb.Status())
	require.False(t, cb.Allow(now.Add(30*time.Second)))

	later := now.Add(time.Minute)
	require.True(t, cb.Allow(later))
	require.Equal(t, CircuitHalfOpen, cb.Status())
	require.True(t, cb.Allow(later))
	require.False(t, cb.Allow(later), "half-open admits a bounded number of probes")
	cb.RecordSuccess()
	require.Equal(t, CircuitHalfOpen, cb.Status())
	cb.RecordSuccess()
	require.Equal(t, CircuitClosed, cb.Status())

	cb.RecordFailure(later)
	cb.RecordFailure(later)
	require.True(t, cb.Allow(later.Add(2*time.Minute)))
	cb.RecordFailure(later.Add(2 * time.Minute))
	require.Equal(t, CircuitOpen, cb.Status(), "any half-open failure reopens")
}

func TestRestoreCircuitBreaker(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := RestoreCircuitBreaker(CircuitState{Status: CircuitOpen, ConsecutiveFailures: 3, LastFailureAt: now})
	st := cb.State()
	require.Equal(t, 3, st.Threshold)
	require.Equal(t, 60*time.Second, st.RecoveryTimeout)
	require.False(t, cb.Allow(now.Add(time.Second)))
	require.True(t, cb.Allow(now.Add(time.Minute)))
}

func TestPolicyYAML(t *testing.T) {
	var p Policy
	require.NoError(t, yaml.Unmarshal([]byte(`
attempts: 4
backoff: {type: exponential, base: 3}
initial_delay: 500ms
max_delay: 10
jitter: true
retry_budget: 2m
retry_on: [timeout, "exit code \\d+"]
condition: "attempt < 3"
`), &p))
	require.Equal(t, 4, p.MaxAttempts)
	require.Equal(t, Backoff{Kind: BackoffExponential, Base: 3}, p.Backoff)
	require.Equal(t, 500*time.Millisecond, p.InitialDelay.Std())
	require.Equal(t, 10*time.Second, p.MaxDelay.Std())
	require.Equal(t, 2*time.Minute, p.RetryBudget.Std())
	require.NoError(t, p.Validate())

	require.NoError(t, yaml.Unmarshal([]byte(`backoff: fibonacci`), &p))
	require.Equal(t, BackoffFibonacci, p.Backoff.Kind)

	require.NoError(t, yaml.Unmarshal([]byte(`backoff: {linear: {increment: 5s}}`), &p))
	require.Equal(t, Backoff{Kind: BackoffLinear, Increment: Duration(5 * time.Second)}, p.Backoff)

	bad := Policy{Backoff: Backoff{Kind: "random"}}
	require.Error(t, bad.Validate())
	bad = Policy{RetryOn: []string{"("}}
	require.Error(t, bad.Validate())
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, xjson.Unmarshal([]byte(`"1m30s"`), &d))
	require.Equal(t, 90*time.Second, d.Std())
	require.NoError(t, xjson.Unmarshal([]byte(`2.5`), &d))
	require.Equal(t, 2500*time.Millisecond, d.Std())
	data, err := xjson.Marshal(Duration(time.Second))
	require.NoError(t, err)
	require.Equal(t, `"1s"`, string(data))
}
