// Package events records execution events: job, agent, step and checkpoint
// milestones. Sinks write them to JSONL files or publish them on NATS or
// Redis; publishing failures are logged and never stop execution.
package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.jetify.com/typeid"
)

// Kind names an event type.
type Kind string

const (
	JobStarted      Kind = "job_started"
	JobCompleted    Kind = "job_completed"
	AgentStarted    Kind = "agent_started"
	AgentCompleted  Kind = "agent_completed"
	AgentFailed     Kind = "agent_failed"
	AgentRetrying   Kind = "agent_retrying"
	StepStarted     Kind = "step_started"
	StepCompleted   Kind = "step_completed"
	StepFailed      Kind = "step_failed"
	CheckpointSaved Kind = "checkpoint_saved"
	ReduceStarted   Kind = "reduce_started"
	ReduceCompleted Kind = "reduce_completed"
)

// SubjectPrefix prefixes the subject or channel events are published on.
const SubjectPrefix = "forge.events."

// Subject returns the publish subject for a kind.
func Subject(kind Kind) string {
	return SubjectPrefix + string(kind)
}

// Event is one execution milestone.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	JobID      string         `json:"job_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Step       string         `json:"step,omitempty"`
	Message    string         `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// New returns an event stamped with a fresh ID and the current time.
func New(kind Kind, jobID string) Event {
	id, err := typeid.WithPrefix("evt")
	if err != nil {
		panic(err)
	}
	return Event{ID: id.String(), Kind: kind, JobID: jobID, Timestamp: time.Now().UTC()}
}

// Sink receives events.
type Sink interface {
	// Publish delivers one event
	Publish(ctx context.Context, e Event) error

	// Close releases the sink's resources
	Close() error
}

// Fanout broadcasts every event to all of its sinks.
type Fanout struct {
	sinks []Sink
}

func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Publish delivers to every sink and joins their errors.
func (f *Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NullSink drops events.
type NullSink struct{}

func (NullSink) Publish(ctx context.Context, e Event) error { return nil }

func (NullSink) Close() error { return nil }

// Emitter publishes to a sink and logs failures instead of returning them.
type Emitter struct {
	sink   Sink
	logger *slog.Logger
}

// NewEmitter wraps sink; a nil sink drops events.
func NewEmitter(sink Sink, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = NullSink{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Emitter{sink: sink, logger: logger}
}

// Emit publishes e, logging any failure.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil {
		return
	}
	if err := em.sink.Publish(ctx, e); err != nil {
		em.logger.Warn("failed to publish event", "kind", e.Kind, "job_id", e.JobID, "error", err)
	}
}

// Close closes the underlying sink.
func (em *Emitter) Close() error {
	if em == nil {
		return nil
	}
	return em.sink.Close()
}
