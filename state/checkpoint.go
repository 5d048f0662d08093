// Package state defines the persisted execution state shared by the
// sequential executor, the MapReduce coordinator and the checkpoint stores.
package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/variables"
)

// FormatVersion is the checkpoint schema version written by this package.
const FormatVersion = 1

// Status is the execution status recorded in a checkpoint.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further steps will run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionState tracks where a workflow is.
type ExecutionState struct {
	CurrentStepIndex int       `json:"current_step_index"`
	TotalSteps       int       `json:"total_steps"`
	Status           Status    `json:"status"`
	Iteration        int       `json:"current_iteration"`
	TotalIterations  int       `json:"total_iterations,omitempty"`
	StartTime        time.Time `json:"start_time"`
	LastCheckpoint   time.Time `json:"last_checkpoint"`
}

// CompletedStep records one finished step.
type CompletedStep struct {
	StepIndex         int                        `json:"step_index"`
	Name              string                     `json:"name,omitempty"`
	Command           string                     `json:"command"`
	Success           bool                       `json:"success"`
	Skipped           bool                       `json:"skipped,omitempty"`
	Output            string                     `json:"output,omitempty"`
	CapturedVariables map[string]variables.Value `json:"captured_variables,omitempty"`
	Duration          time.Duration              `json:"duration"`
	CompletedAt       time.Time                  `json:"completed_at"`
	Commits           []string                   `json:"commits,omitempty"`
	RetryState        *retry.CommandState        `json:"retry_state,omitempty"`
}

// ErrorRecoveryState carries the failure-handler bookkeeping that must
// survive a restart.
type ErrorRecoveryState struct {
	LastError      string            `json:"last_error,omitempty"`
	LastErrorStep  int               `json:"last_error_step"`
	HandlerCounts  map[string]int    `json:"handler_invocations,omitempty"`
	CorrelationIDs map[string]string `json:"correlation_ids,omitempty"`
}

// RecordHandler increments the on_failure invocation count of a step.
func (e *ErrorRecoveryState) RecordHandler(step int) int {
	if e.HandlerCounts == nil {
		e.HandlerCounts = map[string]int{}
	}
	key := fmt.Sprint(step)
	e.HandlerCounts[key]++
	return e.HandlerCounts[key]
}

// HandlerCount returns how often a step's on_failure handler ran.
func (e *ErrorRecoveryState) HandlerCount(step int) int {
	if e == nil {
		return 0
	}
	return e.HandlerCounts[fmt.Sprint(step)]
}

// VariableCheckpointState holds the capture state and a fingerprint of the
// environment the checkpoint was taken in.
type VariableCheckpointState struct {
	Captured      map[string]variables.Value `json:"captured_outputs,omitempty"`
	IterationVars map[string]string          `json:"iteration_variables,omitempty"`
	EnvHash       string                     `json:"environment_hash"`
}

// Checkpoint is the complete resumable state of one workflow execution.
type Checkpoint struct {
	FormatVersion      int                      `json:"checkpoint_format_version"`
	WorkflowID         string                   `json:"workflow_id"`
	Version            int                      `json:"version"`
	Timestamp          time.Time                `json:"timestamp"`
	WorkflowHash       string                   `json:"workflow_hash"`
	WorkflowPath       string                   `json:"workflow_path,omitempty"`
	Execution          ExecutionState           `json:"execution_state"`
	CompletedSteps     []CompletedStep          `json:"completed_steps"`
	Variables          variables.Snapshot       `json:"variable_state"`
	MapReduce          *MapReduceJobState       `json:"mapreduce_state,omitempty"`
	Retry              *retry.CheckpointState   `json:"retry_checkpoint_state,omitempty"`
	ErrorRecovery      *ErrorRecoveryState      `json:"error_recovery_state,omitempty"`
	VariableCheckpoint *VariableCheckpointState `json:"variable_checkpoint_state,omitempty"`
}

// New returns an empty checkpoint for a workflow about to start.
func New(workflowID, workflowHash string, totalSteps int, now time.Time) *Checkpoint {
	return &Checkpoint{
		FormatVersion: FormatVersion,
		WorkflowID:    workflowID,
		WorkflowHash:  workflowHash,
		Timestamp:     now,
		Execution: ExecutionState{
			TotalSteps:     totalSteps,
			Status:         StatusRunning,
			StartTime:      now,
			LastCheckpoint: now,
		},
		CompletedSteps: []CompletedStep{},
	}
}

// Complete appends a finished step and advances the step index past it.
func (c *Checkpoint) Complete(step CompletedStep) {
	c.CompletedSteps = append(c.CompletedSteps, step)
	sort.SliceStable(c.CompletedSteps, func(i, j int) bool {
		return c.CompletedSteps[i].StepIndex < c.CompletedSteps[j].StepIndex
	})
	if step.StepIndex >= c.Execution.CurrentStepIndex {
		c.Execution.CurrentStepIndex = step.StepIndex + 1
	}
}

// IsCompleted reports whether the step at index already finished.
func (c *Checkpoint) IsCompleted(index int) bool {
	for _, s := range c.CompletedSteps {
		if s.StepIndex == index {
			return true
		}
	}
	return false
}

// Step returns the record of a completed step.
func (c *Checkpoint) Step(index int) (CompletedStep, bool) {
	for _, s := range c.CompletedSteps {
		if s.StepIndex == index {
			return s, true
		}
	}
	return CompletedStep{}, false
}

// Validate checks the structural invariants of a loaded checkpoint.
func (c *Checkpoint) Validate() error {
	if c.FormatVersion < 1 || c.FormatVersion > FormatVersion {
		return errdefs.Validation("checkpoint_format_version", "unsupported checkpoint format version %d", c.FormatVersion)
	}
	if c.WorkflowID == "" {
		return errdefs.Validation("workflow_id", "checkpoint has no workflow id")
	}
	for i, s := range c.CompletedSteps {
		if s.StepIndex >= c.Execution.CurrentStepIndex {
			return errdefs.Validation(fmt.Sprintf("completed_steps[%d]", i),
				"completed step index %d is not before current step index %d", s.StepIndex, c.Execution.CurrentStepIndex)
		}
	}
	if c.MapReduce != nil {
		if err := c.MapReduce.CheckInvariants(); err != nil {
			return err
		}
	}
	return nil
}

// Clone deep-copies the checkpoint through its JSON form.
func (c *Checkpoint) Clone() *Checkpoint {
	data, err := xjson.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("state: checkpoint is not serializable: %v", err))
	}
	var out Checkpoint
	if err := xjson.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("state: checkpoint does not round-trip: %v", err))
	}
	return &out
}

// Encode serializes the checkpoint as indented JSON.
func Encode(c *Checkpoint) ([]byte, error) {
	return xjson.MarshalIndent(c, "", "  ")
}

// Decode parses and validates a checkpoint document.
func Decode(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := xjson.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	if c.CompletedSteps == nil {
		c.CompletedSteps = []CompletedStep{}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// EnvironmentHash fingerprints a set of KEY=VALUE pairs independent of
// their order.
func EnvironmentHash(env []string) string {
	sorted := append([]string(nil), env...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// CurrentEnvironmentHash fingerprints the process environment.
func CurrentEnvironmentHash() string {
	return EnvironmentHash(os.Environ())
}
