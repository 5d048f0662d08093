package retry

import (
	"maps"
	"slices"
	"time"
)

// Attempt records one execution of a command.
type Attempt struct {
	Number   int           `json:"attempt_number"`
	Started  time.Time     `json:"executed_at"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Backoff  time.Duration `json:"backoff_applied"`
	ExitCode *int          `json:"exit_code,omitempty"`
}

// CommandState is the retry state of one command, threaded through the retry
// loop and embedded in checkpoints so a resumed run continues mid-budget.
type CommandState struct {
	CommandID       string        `json:"command_id"`
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	LastAttemptAt   time.Time     `json:"last_attempt_at,omitzero"`
	NextRetryAt     time.Time     `json:"next_retry_at,omitzero"`
	Backoff         BackoffState  `json:"backoff_state"`
	History         []Attempt     `json:"retry_history"`
	Policy          *Policy       `json:"retry_config,omitempty"`
	CircuitBroken   bool          `json:"is_circuit_broken"`
	BudgetExpiresAt time.Time     `json:"retry_budget_expires_at,omitzero"`
	TotalRetryTime  time.Duration `json:"total_retry_duration"`
	CorrelationID   string        `json:"correlation_id,omitempty"`
}

// NewCommandState starts a fresh state for commandID under policy.
func NewCommandState(commandID string, p Policy) *CommandState {
	p = p.WithDefaults()
	return &CommandState{
		CommandID:   commandID,
		MaxAttempts: p.MaxAttempts,
		Backoff:     NewBackoffState(p),
		Policy:      &p,
	}
}

// Exhausted reports whether no attempts remain.
func (s *CommandState) Exhausted() bool {
	return s.AttemptCount >= s.MaxAttempts
}

// BudgetExpired reports whether the retry budget has run out at now.
func (s *CommandState) BudgetExpired(now time.Time) bool {
	return !s.BudgetExpiresAt.IsZero() && !now.Before(s.BudgetExpiresAt)
}

// LastAttempt returns the most recent attempt, if any.
func (s *CommandState) LastAttempt() (Attempt, bool) {
	if len(s.History) == 0 {
		return Attempt{}, false
	}
	return s.History[len(s.History)-1], true
}

// Clone returns a deep copy.
func (s *CommandState) Clone() *CommandState {
	c := *s
	c.History = slices.Clone(s.History)
	if s.Policy != nil {
		p := *s.Policy
		p.RetryOn = slices.Clone(s.Policy.RetryOn)
		c.Policy = &p
	}
	return &c
}

// Execution summarizes one finished retry loop.
type Execution struct {
	CommandID     string    `json:"command_id"`
	CorrelationID string    `json:"correlation_id"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	TotalAttempts int       `json:"total_attempts"`
	Succeeded     bool      `json:"succeeded"`
	FinalError    string    `json:"final_error,omitempty"`
}

// CheckpointState is the retry sub-state persisted with a workflow
// checkpoint.
type CheckpointState struct {
	Commands       map[string]*CommandState `json:"command_retry_states"`
	Circuits       map[string]CircuitState  `json:"circuit_breaker_states"`
	History        []Execution              `json:"retry_execution_history"`
	Correlation    map[string]string        `json:"retry_correlation_map"`
	CheckpointedAt time.Time                `json:"checkpointed_at"`
}

// Clone returns a deep copy.
func (c *CheckpointState) Clone() *CheckpointState {
	if c == nil {
		return nil
	}
	out := &CheckpointState{
		Commands:       make(map[string]*CommandState, len(c.Commands)),
		Circuits:       maps.Clone(c.Circuits),
		History:        slices.Clone(c.History),
		Correlation:    maps.Clone(c.Correlation),
		CheckpointedAt: c.CheckpointedAt,
	}
	for id, st := range c.Commands {
		out.Commands[id] = st.Clone()
	}
	return out
}
