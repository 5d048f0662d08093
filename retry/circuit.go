package retry

import (
	"sync"
	"time"
)

// CircuitStatus is the position of a circuit breaker.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	Threshold       int           `yaml:"threshold" json:"threshold"`
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenCalls   int           `yaml:"half_open_calls" json:"half_open_calls"`
}

// DefaultBreakerConfig opens after 3 consecutive failures, probes again after
// 60 seconds and closes after 3 half-open successes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 3, RecoveryTimeout: 60 * time.Second, HalfOpenCalls: 3}
}

// CircuitState is the serializable state of one breaker.
type CircuitState struct {
	Status              CircuitStatus `json:"state"`
	ConsecutiveFailures int           `json:"failure_count"`
	Threshold           int           `json:"failure_threshold"`
	LastFailureAt       time.Time     `json:"last_failure_at,omitzero"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls    int           `json:"half_open_max_calls"`
	HalfOpenSuccesses   int           `json:"half_open_success_count"`
	HalfOpenInFlight    int           `json:"-"`
}

// CircuitBreaker gates calls to one command. It is safe for concurrent use.
type CircuitBreaker struct {
	mu    sync.Mutex
	state CircuitState
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	d := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = d.Threshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = d.RecoveryTimeout
	}
	if cfg.HalfOpenCalls <= 0 {
		cfg.HalfOpenCalls = d.HalfOpenCalls
	}
	return &CircuitBreaker{state: CircuitState{
		Status:           CircuitClosed,
		Threshold:        cfg.Threshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		HalfOpenMaxCalls: cfg.HalfOpenCalls,
	}}
}

// RestoreCircuitBreaker rebuilds a breaker from checkpointed state. A breaker
// that was open keeps its last failure time, so the recovery window is
// measured in wall-clock time across restarts.
func RestoreCircuitBreaker(st CircuitState) *CircuitBreaker {
	cb := NewCircuitBreaker(BreakerConfig{
		Threshold:       st.Threshold,
		RecoveryTimeout: st.RecoveryTimeout,
		HalfOpenCalls:   st.HalfOpenMaxCalls,
	})
	st.Threshold = cb.state.Threshold
	st.RecoveryTimeout = cb.state.RecoveryTimeout
	st.HalfOpenMaxCalls = cb.state.HalfOpenMaxCalls
	st.HalfOpenInFlight = 0
	if st.Status == "" {
		st.Status = CircuitClosed
	}
	cb.state = st
	return cb
}

// Allow reports whether a call may proceed at now. An open breaker whose
// recovery window has elapsed moves to half-open and admits up to
// HalfOpenMaxCalls concurrent probes.
func (cb *CircuitBreaker) Allow(now time.Time) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state.Status {
	case CircuitOpen:
		if now.Sub(cb.state.LastFailureAt) < cb.state.RecoveryTimeout {
			return false
		}
		cb.state.Status = CircuitHalfOpen
		cb.state.HalfOpenSuccesses = 0
		cb.state.HalfOpenInFlight = 0
		fallthrough
	case CircuitHalfOpen:
		if cb.state.HalfOpenInFlight >= cb.state.HalfOpenMaxCalls {
			return false
		}
		cb.state.HalfOpenInFlight++
		return true
	}
	return true
}

// RecordSuccess resets the failure count and, when half-open, closes the
// breaker after enough consecutive successes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.ConsecutiveFailures = 0
	if cb.state.Status != CircuitHalfOpen {
		return
	}
	cb.state.HalfOpenInFlight = max(0, cb.state.HalfOpenInFlight-1)
	cb.state.HalfOpenSuccesses++
	if cb.state.HalfOpenSuccesses >= cb.state.HalfOpenMaxCalls {
		cb.state.Status = CircuitClosed
		cb.state.HalfOpenSuccesses = 0
	}
}

// RecordFailure counts a failure at now. Any half-open failure reopens the
// breaker; a closed breaker opens once the threshold is reached.
func (cb *CircuitBreaker) RecordFailure(now time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state.ConsecutiveFailures++
	cb.state.LastFailureAt = now
	switch cb.state.Status {
	case CircuitHalfOpen:
		cb.state.Status = CircuitOpen
		cb.state.HalfOpenSuccesses = 0
		cb.state.HalfOpenInFlight = 0
	case CircuitClosed:
		if cb.state.ConsecutiveFailures >= cb.state.Threshold {
			cb.state.Status = CircuitOpen
		}
	}
}

// State returns a copy of the breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Status returns the current position without evaluating the recovery window.
func (cb *CircuitBreaker) Status() CircuitStatus {
	return cb.State().Status
}
