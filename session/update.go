package session

import (
	"slices"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
)

// Update is one typed change to a session. The set of updates is closed.
type Update interface {
	apply(s *Session, now time.Time) error
	name() string
}

// StatusChange moves the session to a new lifecycle status.
type StatusChange struct {
	To Status
}

// ProgressIncrement adds completed steps and changed files.
type ProgressIncrement struct {
	Steps int
	Files int
}

// TimingRecord stores how long a step took.
type TimingRecord struct {
	Step     string
	Duration time.Duration
}

// ErrorRecord attaches a failure to the session.
type ErrorRecord struct {
	Message string
	Step    string
	Kind    string
}

// VariableEdit sets and deletes entries in the session's variable bag.
type VariableEdit struct {
	Set    map[string]string
	Delete []string
}

// MetadataEdit sets metadata entries.
type MetadataEdit struct {
	Set map[string]string
}

// CheckpointPointer records the latest checkpoint written.
type CheckpointPointer struct {
	WorkflowID string
	Version    int
}

// StepCompleted marks a step index done and advances the current step.
type StepCompleted struct {
	Index int
}

// IterationCompleted counts a finished workflow iteration.
type IterationCompleted struct{}

// WorktreeAssigned records the worktree the session runs in.
type WorktreeAssigned struct {
	Name string
}

func (u StatusChange) name() string       { return "status_change" }
func (u ProgressIncrement) name() string  { return "progress_increment" }
func (u TimingRecord) name() string       { return "timing_record" }
func (u ErrorRecord) name() string        { return "error_record" }
func (u VariableEdit) name() string       { return "variable_edit" }
func (u MetadataEdit) name() string       { return "metadata_edit" }
func (u CheckpointPointer) name() string  { return "checkpoint_pointer" }
func (u StepCompleted) name() string      { return "step_completed" }
func (u IterationCompleted) name() string { return "iteration_completed" }
func (u WorktreeAssigned) name() string   { return "worktree_assigned" }

func (u StatusChange) apply(s *Session, now time.Time) error {
	if s.Status == u.To {
		return nil
	}
	if !CanTransition(s.Status, u.To) {
		return invalidTransition(s.Status, u.To)
	}
	s.Status = u.To
	return nil
}

func (u ProgressIncrement) apply(s *Session, now time.Time) error {
	if u.Steps < 0 || u.Files < 0 {
		return errdefs.Session("progress", "progress increments must not be negative")
	}
	s.Progress.StepsCompleted += u.Steps
	s.Progress.FilesChanged += u.Files
	if u.Files > 0 {
		workflowData(s).FilesChanged += u.Files
	}
	return nil
}

func (u TimingRecord) apply(s *Session, now time.Time) error {
	if s.Timings == nil {
		s.Timings = map[string]time.Duration{}
	}
	s.Timings[u.Step] += u.Duration
	return nil
}

func (u ErrorRecord) apply(s *Session, now time.Time) error {
	s.Error = &ErrorInfo{Message: u.Message, Step: u.Step, Kind: u.Kind, RecordedAt: now}
	return nil
}

func (u VariableEdit) apply(s *Session, now time.Time) error {
	if s.Variables == nil {
		s.Variables = map[string]string{}
	}
	for k, v := range u.Set {
		s.Variables[k] = v
	}
	for _, k := range u.Delete {
		delete(s.Variables, k)
	}
	return nil
}

func (u MetadataEdit) apply(s *Session, now time.Time) error {
	if s.Metadata == nil {
		s.Metadata = map[string]string{}
	}
	for k, v := range u.Set {
		s.Metadata[k] = v
	}
	return nil
}

func (u CheckpointPointer) apply(s *Session, now time.Time) error {
	if s.Checkpoint != nil && s.Checkpoint.WorkflowID == u.WorkflowID && u.Version < s.Checkpoint.Version {
		return errdefs.Session("checkpoint pointer", "checkpoint version %d is older than recorded version %d", u.Version, s.Checkpoint.Version)
	}
	s.Checkpoint = &CheckpointRef{WorkflowID: u.WorkflowID, Version: u.Version, SavedAt: now}
	return nil
}

func (u StepCompleted) apply(s *Session, now time.Time) error {
	if u.Index < 0 {
		return errdefs.Session("step completed", "step index %d is negative", u.Index)
	}
	w := workflowData(s)
	if !slices.Contains(w.CompletedSteps, u.Index) {
		w.CompletedSteps = append(w.CompletedSteps, u.Index)
		slices.Sort(w.CompletedSteps)
	}
	if u.Index+1 > w.CurrentStep {
		w.CurrentStep = u.Index + 1
	}
	return nil
}

func (u IterationCompleted) apply(s *Session, now time.Time) error {
	w := workflowData(s)
	w.IterationsCompleted++
	w.CurrentStep = 0
	w.CompletedSteps = []int{}
	return nil
}

func (u WorktreeAssigned) apply(s *Session, now time.Time) error {
	workflowData(s).WorktreeName = u.Name
	return nil
}

func workflowData(s *Session) *WorkflowData {
	if s.Workflow == nil {
		s.Workflow = &WorkflowData{CompletedSteps: []int{}}
	}
	return s.Workflow
}

// Apply returns the session with every update applied in order. It is pure:
// on any error the input is returned unchanged alongside the error.
// UpdatedAt never moves backwards.
func Apply(s Session, now time.Time, updates ...Update) (Session, error) {
	next := s.Clone()
	for _, u := range updates {
		if err := u.apply(&next, now); err != nil {
			return s, err
		}
		next.LastUpdateOp = u.name()
	}
	if now.After(next.UpdatedAt) {
		next.UpdatedAt = now
	}
	return next, nil
}
