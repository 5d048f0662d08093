package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/deepnoodle-ai/forge/tracking"
	"github.com/deepnoodle-ai/forge/variables"
	"go.jetify.com/typeid"
)

// NewWorkflowID returns a new workflow execution ID.
func NewWorkflowID() string {
	id, err := typeid.WithPrefix("wf")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ExecutorOptions configures a sequential workflow execution.
type ExecutorOptions struct {
	Workflow *Workflow
	Runner   subprocess.Runner
	// Store persists checkpoints; nil disables checkpointing.
	Store checkpoint.Store
	// Sessions tracks the execution lifecycle; nil disables sessions.
	Sessions *session.Manager
	Events   *events.Emitter
	// Repo enables commit tracking.
	Repo tracking.Repo
	Dir  string
	// Variables seed the variable store.
	Variables  map[string]string
	WorkflowID string
	Callbacks  Callbacks
	Handlers   []Handler
	DryRun     *DryRun
	Breaker    retry.BreakerConfig
	Logger     *slog.Logger
	Now        func() time.Time
	// Sleep replaces the retry backoff sleep, for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	OnLine func(stream, line string)
}

// ResumeOptions controls how a checkpoint is resumed.
type ResumeOptions struct {
	// Force resumes even when the workflow file changed since the checkpoint.
	Force bool
	// FromStep restarts at a step index; -1 uses the checkpoint position.
	FromStep int
	// ResetFailures clears on_failure counters and retry state.
	ResetFailures bool
	// SkipValidation ignores validate blocks on the resumed run.
	SkipValidation bool
}

// DefaultResumeOptions resumes at the checkpoint position.
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{FromStep: -1}
}

// Result summarizes an execution.
type Result struct {
	WorkflowID string
	SessionID  string
	Status     state.Status
	Steps      []StepResult
	Checkpoint *state.Checkpoint
	Variables  *variables.Store
	Duration   time.Duration
}

// Executor runs a workflow's steps in order, checkpointing after each one.
type Executor struct {
	opts      ExecutorOptions
	workflow  *Workflow
	logger    *slog.Logger
	store     checkpoint.Store
	retries   *retry.Executor
	callbacks Callbacks
	envHash   string

	mu        sync.Mutex
	cp        *state.Checkpoint
	vars      *variables.Store
	sessionID string
}

// NewExecutor validates options and returns an Executor.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Workflow == nil {
		return nil, errdefs.Config("workflow is required")
	}
	if opts.Workflow.IsMapReduce() {
		return nil, errdefs.Config("workflow %q is a mapreduce workflow; run it with the mapreduce coordinator", opts.Workflow.Name)
	}
	if opts.Runner == nil {
		return nil, errdefs.Config("subprocess runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil || opts.DryRun != nil {
		opts.Store = checkpoint.NewNullStore()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = BaseCallbacks{}
	}
	if opts.WorkflowID == "" {
		opts.WorkflowID = NewWorkflowID()
	}
	e := &Executor{
		opts:      opts,
		workflow:  opts.Workflow,
		logger:    opts.Logger.With("workflow_id", opts.WorkflowID),
		store:     opts.Store,
		callbacks: opts.Callbacks,
		envHash:   state.CurrentEnvironmentHash(),
	}
	e.retries = retry.NewExecutor(retry.Options{
		Breaker:      opts.Breaker,
		Logger:       e.logger,
		Now:          opts.Now,
		Sleep:        opts.Sleep,
		OnCheckpoint: e.checkpointRetry,
	})
	return e, nil
}

// WorkflowID returns the ID checkpoints are stored under.
func (e *Executor) WorkflowID() string {
	return e.opts.WorkflowID
}

// Run executes the workflow from the first step.
func (e *Executor) Run(ctx context.Context) (*Result, error) {
	now := e.opts.Now().UTC()
	cp := state.New(e.opts.WorkflowID, e.workflow.Hash(), len(e.workflow.Commands), now)
	cp.WorkflowPath = e.workflow.Path()
	cp.Execution.TotalIterations = e.workflow.Iterations()
	cp.ErrorRecovery = &state.ErrorRecoveryState{}

	store := variables.NewStore()
	store.SetAll(e.workflow.Env)
	store.SetAll(e.opts.Variables)
	return e.execute(ctx, cp, store, 0, ResumeOptions{FromStep: -1}, false)
}

// Resume continues the workflow from its latest checkpoint.
func (e *Executor) Resume(ctx context.Context, opts ResumeOptions) (*Result, error) {
	cp, err := e.store.Load(ctx, e.opts.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp.WorkflowHash != e.workflow.Hash() {
		if !opts.Force {
			return nil, errdefs.Workflow("resume", nil,
				"workflow %q changed since checkpoint %d was written; resume with force to continue anyway",
				e.workflow.Name, cp.Version)
		}
		e.logger.Warn("resuming a workflow that changed since its checkpoint", "version", cp.Version)
		cp.WorkflowHash = e.workflow.Hash()
	}
	if vc := cp.VariableCheckpoint; vc != nil && vc.EnvHash != "" && vc.EnvHash != e.envHash {
		e.logger.Warn("environment changed since checkpoint", "version", cp.Version)
	}
	if opts.FromStep < 0 && cp.Execution.Status == state.StatusCompleted {
		return nil, errdefs.Workflow("resume", nil, "workflow %q already completed", e.workflow.Name)
	}
	if opts.FromStep > len(e.workflow.Commands) {
		return nil, errdefs.Validation("from_step", "step %d is out of range (workflow has %d steps)", opts.FromStep, len(e.workflow.Commands))
	}

	store := state.Restore(cp)
	store.SetAll(e.opts.Variables)
	if opts.ResetFailures {
		cp.ErrorRecovery = &state.ErrorRecoveryState{}
		cp.Retry = nil
	} else {
		e.retries.Restore(cp.Retry)
	}
	if cp.ErrorRecovery == nil {
		cp.ErrorRecovery = &state.ErrorRecoveryState{}
	}

	start := cp.Execution.CurrentStepIndex
	if opts.FromStep >= 0 {
		kept := cp.CompletedSteps[:0]
		for _, s := range cp.CompletedSteps {
			if s.StepIndex < opts.FromStep {
				kept = append(kept, s)
			}
		}
		cp.CompletedSteps = kept
		start = opts.FromStep
		cp.Execution.CurrentStepIndex = start
	}
	cp.Execution.TotalSteps = len(e.workflow.Commands)
	cp.Execution.TotalIterations = e.workflow.Iterations()
	cp.Execution.Status = state.StatusRunning
	e.logger.Info("resuming workflow",
		"version", cp.Version,
		"step", start,
		"completed", len(cp.CompletedSteps))
	return e.execute(ctx, cp, store, start, opts, true)
}

func (e *Executor) execute(ctx context.Context, cp *state.Checkpoint, store *variables.Store, start int, ropts ResumeOptions, resumed bool) (*Result, error) {
	started := e.opts.Now()
	e.mu.Lock()
	e.cp = cp
	e.vars = store
	e.mu.Unlock()

	result := &Result{WorkflowID: e.opts.WorkflowID, Variables: store, Checkpoint: cp}
	handlers := NewHandlerRegistry(e.opts.Handlers...)
	runner, err := NewStepRunner(ctx, StepRunnerOptions{
		Runner:         e.opts.Runner,
		Dir:            e.opts.Dir,
		Env:            maps.Clone(e.workflow.Env),
		Repo:           e.opts.Repo,
		Retries:        e.retries,
		Handlers:       handlers,
		Events:         e.opts.Events,
		JobID:          e.opts.WorkflowID,
		Logger:         e.logger,
		DryRun:         e.opts.DryRun,
		SkipValidation: ropts.SkipValidation,
		Now:            e.opts.Now,
		OnLine:         e.opts.OnLine,
	})
	if err != nil {
		return result, err
	}

	if err := e.startSession(ctx, resumed); err != nil {
		return result, err
	}
	result.SessionID = e.sessionID
	logger := e.logger
	if e.sessionID != "" {
		logger = logger.With("session_id", e.sessionID)
	}

	wfEvent := &WorkflowEvent{
		WorkflowID:   e.opts.WorkflowID,
		WorkflowName: e.workflow.Name,
		SessionID:    e.sessionID,
		Resumed:      resumed,
		StartTime:    started,
		StepCount:    len(e.workflow.Commands),
	}
	e.callbacks.BeforeWorkflow(ctx, wfEvent)
	e.emit(ctx, events.JobStarted, func(ev *events.Event) {
		ev.Message = e.workflow.Name
		ev.Data = map[string]any{"resumed": resumed, "steps": len(e.workflow.Commands)}
	})
	logger.Info("starting workflow", "name", e.workflow.Name, "steps", len(e.workflow.Commands), "resumed", resumed)

	finish := func(status state.Status, runErr error) (*Result, error) {
		result.Status = status
		result.Duration = e.opts.Now().Sub(started)
		wfEvent.EndTime = e.opts.Now()
		wfEvent.Duration = result.Duration
		wfEvent.Error = runErr
		e.callbacks.AfterWorkflow(ctx, wfEvent)
		e.emit(ctx, events.JobCompleted, func(ev *events.Event) {
			ev.Duration = result.Duration
			ev.Data = map[string]any{"status": string(status)}
			if runErr != nil {
				ev.Error = runErr.Error()
			}
		})
		return result, runErr
	}

	steps := e.workflow.Commands
	iterations := e.workflow.Iterations()
	for iteration := cp.Execution.Iteration; iteration < iterations; iteration++ {
		cp.Execution.Iteration = iteration
		store.SetCaptured("workflow.iteration", variables.Number(float64(iteration+1)))
		for i := start; i < len(steps); i++ {
			if err := ctx.Err(); err != nil {
				return finish(state.StatusPaused, e.pause(ctx, cp, err))
			}
			if cp.IsCompleted(i) {
				continue
			}
			cp.Execution.CurrentStepIndex = i
			step := steps[i]

			stepEvent := &StepEvent{
				WorkflowID: e.opts.WorkflowID,
				Index:      i,
				StepName:   step.DisplayName(),
				Command:    step.Command.Kind(),
				Iteration:  iteration,
				StartTime:  e.opts.Now(),
			}
			e.callbacks.BeforeStep(ctx, stepEvent)
			res, err := runner.Run(ctx, step, Scope{Index: i, Store: store, Recovery: cp.ErrorRecovery})
			stepEvent.EndTime = e.opts.Now()
			stepEvent.Duration = res.Duration
			stepEvent.Result = &res
			stepEvent.Error = err
			e.callbacks.AfterStep(ctx, stepEvent)
			result.Steps = append(result.Steps, res)

			if err != nil {
				if ctx.Err() != nil {
					return finish(state.StatusPaused, e.pause(ctx, cp, ctx.Err()))
				}
				return finish(state.StatusFailed, e.fail(ctx, cp, i, res, err))
			}

			e.mu.Lock()
			cp.Complete(res.Completed(e.opts.Now().UTC()))
			if i == len(steps)-1 && iteration == iterations-1 {
				cp.Execution.Status = state.StatusCompleted
			}
			e.mu.Unlock()
			if e.opts.DryRun != nil {
				continue
			}
			if err := e.save(ctx, cp); err != nil {
				return finish(state.StatusFailed, err)
			}
			e.updateSession(ctx,
				session.StepCompleted{Index: i},
				session.ProgressIncrement{Steps: 1, Files: len(res.Changes.Changed())},
				session.TimingRecord{Step: res.Name, Duration: res.Duration},
				session.CheckpointPointer{WorkflowID: cp.WorkflowID, Version: cp.Version})
		}
		e.updateSession(ctx, session.IterationCompleted{})
		if iteration < iterations-1 {
			logger.Info("iteration completed", "iteration", iteration+1, "of", iterations)
			e.mu.Lock()
			cp.CompletedSteps = []state.CompletedStep{}
			cp.Execution.CurrentStepIndex = 0
			e.mu.Unlock()
			start = 0
		}
	}

	if e.sessionID != "" {
		if _, err := e.opts.Sessions.Complete(ctx, e.sessionID); err != nil {
			logger.Warn("failed to complete session", "error", err)
		}
	}
	logger.Info("workflow completed", "duration", e.opts.Now().Sub(started))
	return finish(state.StatusCompleted, nil)
}

func (e *Executor) startSession(ctx context.Context, resumed bool) error {
	if e.opts.Sessions == nil || e.opts.DryRun != nil {
		return nil
	}
	metadata := map[string]string{"workflow": e.workflow.Name}
	if p := e.workflow.Path(); p != "" {
		metadata["workflow_path"] = p
	}
	if resumed {
		metadata["resumed"] = strconv.FormatBool(true)
	}
	sess, err := e.opts.Sessions.Create(ctx, e.opts.WorkflowID, metadata)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := e.opts.Sessions.Start(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	e.sessionID = sess.ID
	return nil
}

func (e *Executor) updateSession(ctx context.Context, updates ...session.Update) {
	if e.sessionID == "" {
		return
	}
	if _, err := e.opts.Sessions.Update(ctx, e.sessionID, updates...); err != nil {
		e.logger.Warn("failed to update session", "session_id", e.sessionID, "error", err)
	}
}

func (e *Executor) emit(ctx context.Context, kind events.Kind, fn func(*events.Event)) {
	ev := events.New(kind, e.opts.WorkflowID)
	ev.WorkflowID = e.opts.WorkflowID
	ev.SessionID = e.sessionID
	if fn != nil {
		fn(&ev)
	}
	e.opts.Events.Emit(ctx, ev)
}

// save writes the checkpoint with the current variable and retry state.
// Write failures are retried and then surfaced as fatal.
func (e *Executor) save(ctx context.Context, cp *state.Checkpoint) error {
	version, err := e.write(ctx, cp)
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	e.logger.Debug("checkpoint saved", "version", version, "step", cp.Execution.CurrentStepIndex)
	e.emit(ctx, events.CheckpointSaved, func(ev *events.Event) {
		ev.Data = map[string]any{"version": version}
	})
	return nil
}

func (e *Executor) write(ctx context.Context, cp *state.Checkpoint) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now().UTC()
	cp.Timestamp = now
	cp.Execution.LastCheckpoint = now
	cp.Variables = e.vars.Snapshot()
	cp.Retry = e.retries.Snapshot()
	cp.VariableCheckpoint = &state.VariableCheckpointState{
		Captured:      e.vars.CapturedValues(),
		IterationVars: map[string]string{"iteration": strconv.Itoa(cp.Execution.Iteration + 1)},
		EnvHash:       e.envHash,
	}
	err := retry.Do(ctx, func() error {
		return e.store.Save(ctx, cp)
	}, retry.WithMaxRetries(2))
	return cp.Version, err
}

// checkpointRetry persists retry state before a backoff sleep.
func (e *Executor) checkpointRetry(ctx context.Context, st *retry.CommandState) error {
	e.mu.Lock()
	cp := e.cp
	e.mu.Unlock()
	if cp == nil || e.opts.DryRun != nil {
		return nil
	}
	return e.save(ctx, cp)
}

func (e *Executor) pause(ctx context.Context, cp *state.Checkpoint, cause error) error {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	cp.Execution.Status = state.StatusPaused
	e.mu.Unlock()
	e.logger.Warn("workflow interrupted; checkpoint saved for resume", "step", cp.Execution.CurrentStepIndex)
	if e.opts.DryRun == nil {
		if err := e.save(ctx, cp); err != nil {
			return errors.Join(cause, err)
		}
	}
	if e.sessionID != "" {
		if _, err := e.opts.Sessions.Pause(ctx, e.sessionID); err != nil {
			e.logger.Warn("failed to pause session", "error", err)
		}
	}
	return cause
}

func (e *Executor) fail(ctx context.Context, cp *state.Checkpoint, index int, res StepResult, cause error) error {
	ctx = context.WithoutCancel(ctx)
	e.mu.Lock()
	cp.ErrorRecovery.LastError = cause.Error()
	cp.ErrorRecovery.LastErrorStep = index
	cp.Execution.Status = state.StatusFailed
	e.mu.Unlock()
	e.logger.Error("workflow failed", "step", res.Name, "error", cause)
	if e.opts.DryRun == nil {
		if err := e.save(ctx, cp); err != nil {
			return errors.Join(cause, err)
		}
	}
	if e.sessionID != "" {
		if _, err := e.opts.Sessions.Fail(ctx, e.sessionID, res.Name, cause); err != nil {
			e.logger.Warn("failed to record session failure", "error", err)
		}
	}
	return cause
}
