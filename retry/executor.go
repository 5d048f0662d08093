package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/expression"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/google/uuid"
)

var (
	// ErrCircuitOpen is returned when a command's circuit breaker refuses the
	// call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrBudgetExhausted is returned when the next backoff would overrun the
	// retry budget.
	ErrBudgetExhausted = errors.New("retry budget exhausted")
)

// Operation runs one attempt of a command. attempt is 1-based.
type Operation func(ctx context.Context, attempt int) error

// Options configures an Executor.
type Options struct {
	Breaker BreakerConfig
	Logger  *slog.Logger
	// OnCheckpoint is called with a copy of the command state after every
	// attempt and before any backoff sleep. An error aborts the loop.
	OnCheckpoint func(ctx context.Context, st *CommandState) error
	Now          func() time.Time
	Sleep        func(ctx context.Context, d time.Duration) error
	Rand         func() float64
}

// Executor runs commands under retry policies and owns their circuit
// breakers and retry states. It is safe for concurrent use across distinct
// command IDs.
type Executor struct {
	mu          sync.Mutex
	opts        Options
	logger      *slog.Logger
	breakers    map[string]*CircuitBreaker
	commands    map[string]*CommandState
	finished    map[string]bool
	history     []Execution
	correlation map[string]string
}

// NewExecutor returns an Executor with default clock and sleep functions.
func NewExecutor(opts Options) *Executor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{
		opts:        opts,
		logger:      logger,
		breakers:    map[string]*CircuitBreaker{},
		commands:    map[string]*CommandState{},
		finished:    map[string]bool{},
		correlation: map[string]string{},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Breaker returns the circuit breaker for commandID, creating it on first use.
func (e *Executor) Breaker(commandID string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.breakerLocked(commandID)
}

func (e *Executor) breakerLocked(commandID string) *CircuitBreaker {
	cb, ok := e.breakers[commandID]
	if !ok {
		cb = NewCircuitBreaker(e.opts.Breaker)
		e.breakers[commandID] = cb
	}
	return cb
}

// State returns a copy of the retry state for commandID.
func (e *Executor) State(commandID string) (*CommandState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.commands[commandID]
	if !ok {
		return nil, false
	}
	return st.Clone(), true
}

// Snapshot captures every command state and breaker for checkpointing.
func (e *Executor) Snapshot() *CheckpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := &CheckpointState{
		Commands:       make(map[string]*CommandState, len(e.commands)),
		Circuits:       make(map[string]CircuitState, len(e.breakers)),
		History:        append([]Execution(nil), e.history...),
		Correlation:    make(map[string]string, len(e.correlation)),
		CheckpointedAt: e.opts.Now().UTC(),
	}
	for id, st := range e.commands {
		cp.Commands[id] = st.Clone()
	}
	for id, cb := range e.breakers {
		cp.Circuits[id] = cb.State()
	}
	for k, v := range e.correlation {
		cp.Correlation[k] = v
	}
	return cp
}

// Restore loads checkpointed retry state. Commands whose last attempt failed
// with attempts remaining continue from where they stopped on the next Run.
func (e *Executor) Restore(cp *CheckpointState) {
	if cp == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, st := range cp.Commands {
		e.commands[id] = st.Clone()
		last, ok := st.LastAttempt()
		e.finished[id] = !ok || last.Success || st.Exhausted()
	}
	for id, cs := range cp.Circuits {
		e.breakers[id] = RestoreCircuitBreaker(cs)
	}
	e.history = append(e.history[:0], cp.History...)
	for k, v := range cp.Correlation {
		e.correlation[k] = v
	}
}

func (e *Executor) begin(commandID string, p Policy, now time.Time) *CommandState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.commands[commandID]; ok && !e.finished[commandID] {
		return st
	}
	st := NewCommandState(commandID, p)
	st.CorrelationID = uuid.NewString()
	if p.RetryBudget > 0 {
		st.BudgetExpiresAt = now.Add(p.RetryBudget.Std())
	}
	e.commands[commandID] = st
	e.finished[commandID] = false
	e.correlation[st.CorrelationID] = commandID
	return st
}

func (e *Executor) finish(st *CommandState, started time.Time, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finished[st.CommandID] = true
	exec := Execution{
		CommandID:     st.CommandID,
		CorrelationID: st.CorrelationID,
		StartedAt:     started,
		CompletedAt:   e.opts.Now().UTC(),
		TotalAttempts: st.AttemptCount,
		Succeeded:     err == nil,
	}
	if err != nil {
		exec.FinalError = err.Error()
	}
	e.history = append(e.history, exec)
}

func (e *Executor) checkpoint(ctx context.Context, st *CommandState) error {
	if e.opts.OnCheckpoint == nil {
		return nil
	}
	e.mu.Lock()
	snapshot := st.Clone()
	e.mu.Unlock()
	if err := e.opts.OnCheckpoint(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to checkpoint retry state: %w", err)
	}
	return nil
}

// Run executes op for commandID until it succeeds, fails permanently,
// exhausts its attempts or budget, or the breaker opens.
func (e *Executor) Run(ctx context.Context, commandID string, p Policy, op Operation) error {
	p = p.WithDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	var cond *expression.Expr
	if p.Condition != "" {
		var err error
		if cond, err = expression.Compile(p.Condition); err != nil {
			return err
		}
	}
	matchers := make([]matcher, 0, len(p.RetryOn))
	for _, spec := range p.RetryOn {
		m, err := newMatcher(spec)
		if err != nil {
			return err
		}
		matchers = append(matchers, m)
	}

	started := e.opts.Now().UTC()
	st := e.begin(commandID, p, started)
	cb := e.Breaker(commandID)
	logger := e.logger.With("command", commandID, "correlation_id", st.CorrelationID)

	var lastErr error
	for {
		if err := ctx.Err(); err != nil {
			e.finish(st, started, err)
			return err
		}
		now := e.opts.Now().UTC()
		if !cb.Allow(now) {
			e.mu.Lock()
			st.CircuitBroken = true
			e.mu.Unlock()
			err := fmt.Errorf("%w for %s", ErrCircuitOpen, commandID)
			if lastErr != nil {
				err = fmt.Errorf("%w for %s: %w", ErrCircuitOpen, commandID, lastErr)
			}
			e.finish(st, started, err)
			logger.Warn("circuit breaker refused command")
			return err
		}

		e.mu.Lock()
		st.AttemptCount++
		st.LastAttemptAt = now
		attemptNum := st.AttemptCount
		e.mu.Unlock()

		opErr := op(ctx, attemptNum)
		attempt := Attempt{Number: attemptNum, Started: now, Duration: e.opts.Now().Sub(now)}

		if opErr == nil {
			cb.RecordSuccess()
			attempt.Success = true
			e.mu.Lock()
			st.History = append(st.History, attempt)
			st.CircuitBroken = false
			st.NextRetryAt = time.Time{}
			e.mu.Unlock()
			e.finish(st, started, nil)
			if attemptNum > 1 {
				logger.Info("command succeeded after retry", "attempts", attemptNum)
			}
			return e.checkpoint(ctx, st)
		}

		failedAt := e.opts.Now().UTC()
		cb.RecordFailure(failedAt)
		attempt.Error = opErr.Error()
		attempt.ExitCode = exitCodeOf(opErr)
		lastErr = opErr

		terminal := e.terminalReason(ctx, st, opErr, matchers, cond)
		var delay time.Duration
		if terminal == nil {
			e.mu.Lock()
			delay = st.Backoff.Next(attemptNum, e.opts.Rand)
			e.mu.Unlock()
			if !st.BudgetExpiresAt.IsZero() && failedAt.Add(delay).After(st.BudgetExpiresAt) {
				terminal = fmt.Errorf("%w for %s: %w", ErrBudgetExhausted, commandID, opErr)
			}
		}

		e.mu.Lock()
		st.CircuitBroken = cb.Status() == CircuitOpen
		if terminal == nil {
			attempt.Backoff = delay
			st.NextRetryAt = failedAt.Add(delay)
		} else {
			st.NextRetryAt = time.Time{}
		}
		st.History = append(st.History, attempt)
		e.mu.Unlock()

		if terminal != nil {
			e.finish(st, started, terminal)
			if err := e.checkpoint(ctx, st); err != nil {
				return err
			}
			logger.Warn("command failed", "attempts", attemptNum, "error", opErr)
			return terminal
		}

		if err := e.checkpoint(ctx, st); err != nil {
			e.finish(st, started, err)
			return err
		}
		logger.Info("retrying command",
			"attempt", attemptNum,
			"max_attempts", st.MaxAttempts,
			"delay", delay,
			"error", opErr)
		if err := e.opts.Sleep(ctx, delay); err != nil {
			e.finish(st, started, err)
			return err
		}
		e.mu.Lock()
		st.TotalRetryTime += delay
		e.mu.Unlock()
	}
}

// terminalReason returns nil when the failure may be retried, or the error
// to surface otherwise.
func (e *Executor) terminalReason(ctx context.Context, st *CommandState, err error, matchers []matcher, cond *expression.Expr) error {
	if ctx.Err() != nil {
		return err
	}
	if st.Exhausted() {
		return err
	}
	retryable := IsRecoverable(err)
	if len(matchers) > 0 {
		retryable = false
		for _, m := range matchers {
			if m(err.Error()) {
				retryable = true
				break
			}
		}
	}
	if !retryable {
		return err
	}
	if cond != nil {
		vars := map[string]any{"attempt": st.AttemptCount, "error": err.Error(), "exit_code": nil}
		if code := exitCodeOf(err); code != nil {
			vars["exit_code"] = *code
		}
		ok, evalErr := cond.Evaluate(vars)
		if evalErr != nil {
			e.logger.Warn("retry condition failed to evaluate", "command", st.CommandID, "error", evalErr)
			return err
		}
		if !ok {
			return err
		}
	}
	return nil
}

func exitCodeOf(err error) *int {
	var cmdErr *subprocess.CommandError
	if errors.As(err, &cmdErr) && cmdErr.Result.ExitCode != nil {
		code := *cmdErr.Result.ExitCode
		return &code
	}
	return nil
}
