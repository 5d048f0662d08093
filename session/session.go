// Package session tracks the lifecycle of one workflow execution. State
// changes are expressed as typed updates applied by the pure Apply
// function; the Manager persists the results.
package session

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"go.jetify.com/typeid"
)

// Status is the lifecycle status of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
)

// IsTerminal reports whether the status can never change again.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var transitions = map[Status][]Status{
	StatusInitializing: {StatusRunning, StatusCancelled},
	StatusRunning:      {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled},
	StatusPaused:       {StatusRunning, StatusCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidTransition is returned for a lifecycle change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid session transition")
)

// NewID returns a new session ID.
func NewID() string {
	id, err := typeid.WithPrefix("session")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ErrorInfo is the failure recorded on a session.
type ErrorInfo struct {
	Message    string    `json:"message"`
	Step       string    `json:"step,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// WorkflowData is the executor-specific part of a session.
type WorkflowData struct {
	IterationsCompleted int    `json:"iterations_completed"`
	FilesChanged        int    `json:"files_changed"`
	CurrentStep         int    `json:"current_step"`
	CompletedSteps      []int  `json:"completed_steps"`
	WorktreeName        string `json:"worktree_name,omitempty"`
}

// Progress counts work done so far.
type Progress struct {
	StepsCompleted int `json:"steps_completed"`
	FilesChanged   int `json:"files_changed"`
}

// CheckpointRef points at the checkpoint last written for the session.
type CheckpointRef struct {
	WorkflowID string    `json:"workflow_id"`
	Version    int       `json:"version"`
	SavedAt    time.Time `json:"saved_at"`
}

// Session is the lifecycle envelope around one workflow execution.
type Session struct {
	ID           string                   `json:"id"`
	Status       Status                   `json:"status"`
	StartedAt    time.Time                `json:"started_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
	WorkflowID   string                   `json:"workflow_id"`
	JobID        string                   `json:"job_id,omitempty"`
	Error        *ErrorInfo               `json:"error,omitempty"`
	Metadata     map[string]string        `json:"metadata"`
	Variables    map[string]string        `json:"variables,omitempty"`
	Workflow     *WorkflowData            `json:"workflow_data,omitempty"`
	Progress     Progress                 `json:"progress"`
	Timings      map[string]time.Duration `json:"timings,omitempty"`
	Checkpoint   *CheckpointRef           `json:"checkpoint,omitempty"`
	LastUpdateOp string                   `json:"last_update,omitempty"`
}

// New returns a session in the Initializing state.
func New(id, workflowID string, now time.Time) Session {
	return Session{
		ID:         id,
		Status:     StatusInitializing,
		StartedAt:  now,
		UpdatedAt:  now,
		WorkflowID: workflowID,
		Metadata:   map[string]string{},
	}
}

// Clone returns a deep copy.
func (s Session) Clone() Session {
	c := s
	c.Metadata = maps.Clone(s.Metadata)
	c.Variables = maps.Clone(s.Variables)
	c.Timings = maps.Clone(s.Timings)
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	if s.Workflow != nil {
		w := *s.Workflow
		w.CompletedSteps = slices.Clone(s.Workflow.CompletedSteps)
		c.Workflow = &w
	}
	if s.Checkpoint != nil {
		ref := *s.Checkpoint
		c.Checkpoint = &ref
	}
	return c
}

// Duration is the time from start to the last update.
func (s Session) Duration() time.Duration {
	return s.UpdatedAt.Sub(s.StartedAt)
}

func invalidTransition(from, to Status) error {
	e := errdefs.Session("transition", "cannot move session from %s to %s", from, to)
	e.Err = ErrInvalidTransition
	return e
}
