// Package mapreduce runs MapReduce workflows: a setup phase, a map phase
// that processes work items in parallel agents, each in its own git
// worktree, and a reduce phase over the aggregated agent results. Job state
// is checkpointed after every agent so interrupted jobs resume without
// re-running finished items.
package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/deepnoodle-ai/forge/tracking"
	"github.com/deepnoodle-ai/forge/variables"
	"go.jetify.com/typeid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// DefaultMaxParallel is used when max_parallel is unset.
	DefaultMaxParallel = 10
	// DefaultGracePeriod bounds how long cancelled agents may take to stop.
	DefaultGracePeriod = 30 * time.Second
)

// NewJobID returns a new MapReduce job ID.
func NewJobID() string {
	id, err := typeid.WithPrefix("job")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// Options configures a MapReduce job.
type Options struct {
	Workflow *forge.Workflow
	Runner   subprocess.Runner
	// Store persists job checkpoints; nil disables checkpointing.
	Store checkpoint.Store
	// Sessions tracks the job lifecycle; nil disables sessions.
	Sessions *session.Manager
	Events   *events.Emitter
	// Repo gives each agent its own worktree. Without it agents run in Dir.
	Repo *git.Client
	Dir  string
	// WorktreeDir is where agent worktrees are created.
	WorktreeDir string
	// DLQDir enables the dead letter queue under DLQDir/dlq/<job_id>.
	DLQDir string
	JobID  string
	// Variables seed the variable store.
	Variables map[string]string
	// Items replaces the items loaded from the map input, e.g. items
	// reprocessed from a dead letter queue.
	Items       []state.WorkItem
	Handlers    []forge.Handler
	Breaker     retry.BreakerConfig
	GracePeriod time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
	// Sleep replaces the retry backoff sleep, for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	OnLine func(stream, line string)
}

// DefaultOptions returns options with the default grace period.
func DefaultOptions() Options {
	return Options{GracePeriod: DefaultGracePeriod}
}

// ResumeOptions controls how a job checkpoint is resumed.
type ResumeOptions struct {
	// Force resumes even when the workflow file changed since the checkpoint.
	Force bool
	// ResetFailures re-queues every failed item with a fresh retry count.
	ResetFailures bool
}

// Result summarizes a job.
type Result struct {
	JobID      string
	SessionID  string
	Status     state.Status
	Setup      []forge.StepResult
	Aggregated state.AggregatedResults
	Reduce     []forge.StepResult
	Checkpoint *state.Checkpoint
	Variables  *variables.Store
	Duration   time.Duration
}

// Coordinator runs one MapReduce job.
type Coordinator struct {
	opts      Options
	cfg       *forge.MapReduceConfig
	logger    *slog.Logger
	store     checkpoint.Store
	retries   *retry.Executor
	worktrees *git.WorktreeManager
	dlq       *DLQ
	limiter   *rate.Limiter

	mu        sync.Mutex
	cp        *state.Checkpoint
	vars      *variables.Store
	sessionID string
	abandoned bool
}

// New validates options and returns a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Workflow == nil {
		return nil, errdefs.Config("workflow is required")
	}
	if !opts.Workflow.IsMapReduce() {
		return nil, errdefs.Config("workflow %q is not a mapreduce workflow", opts.Workflow.Name)
	}
	if opts.Runner == nil {
		return nil, errdefs.Config("subprocess runner is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Store == nil {
		opts.Store = checkpoint.NewNullStore()
	}
	if opts.JobID == "" {
		opts.JobID = NewJobID()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	c := &Coordinator{
		opts:   opts,
		cfg:    opts.Workflow.MapReduce,
		logger: opts.Logger.With("job_id", opts.JobID),
		store:  opts.Store,
	}
	c.retries = retry.NewExecutor(retry.Options{
		Breaker: opts.Breaker,
		Logger:  c.logger,
		Now:     opts.Now,
		Sleep:   opts.Sleep,
		OnCheckpoint: func(ctx context.Context, _ *retry.CommandState) error {
			return c.save(ctx)
		},
	})
	if opts.Repo != nil {
		dir := opts.WorktreeDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "forge", "worktrees", opts.JobID)
		}
		c.worktrees = git.NewWorktreeManager(opts.Repo, dir)
	}
	if opts.DLQDir != "" {
		dlq, err := OpenDLQ(opts.DLQDir, opts.JobID, DLQOptions{Logger: opts.Logger, Now: opts.Now})
		if err != nil {
			return nil, err
		}
		c.dlq = dlq
	}
	if r := c.cfg.AgentStartRate; r > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(r), 1)
	}
	return c, nil
}

// JobID returns the ID the job is checkpointed under.
func (c *Coordinator) JobID() string {
	return c.opts.JobID
}

// DLQ returns the job's dead letter queue, or nil when it is disabled.
func (c *Coordinator) DLQ() *DLQ {
	return c.dlq
}

// Run executes the job from the setup phase.
func (c *Coordinator) Run(ctx context.Context) (*Result, error) {
	wf := c.opts.Workflow
	cp := state.New(c.opts.JobID, wf.Hash(), len(c.cfg.Setup), c.opts.Now().UTC())
	cp.WorkflowPath = wf.Path()
	cp.ErrorRecovery = &state.ErrorRecoveryState{}
	store := variables.NewStore()
	store.SetAll(wf.Env)
	store.SetAll(c.opts.Variables)
	return c.execute(ctx, cp, store, false)
}

// Resume continues the job from its latest checkpoint. Finished items are
// never re-run; pending items, including ones interrupted mid-flight, are
// dispatched again.
func (c *Coordinator) Resume(ctx context.Context, opts ResumeOptions) (*Result, error) {
	cp, err := c.store.Load(ctx, c.opts.JobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	wf := c.opts.Workflow
	if cp.WorkflowHash != wf.Hash() {
		if !opts.Force {
			return nil, errdefs.Workflow("resume", nil,
				"workflow %q changed since checkpoint %d was written; resume with force to continue anyway",
				wf.Name, cp.Version)
		}
		c.logger.Warn("resuming a job whose workflow changed since its checkpoint", "version", cp.Version)
		cp.WorkflowHash = wf.Hash()
	}
	now := c.opts.Now().UTC()
	if st := cp.MapReduce; st != nil {
		if err := st.CheckInvariants(); err != nil {
			return nil, fmt.Errorf("checkpoint %d is inconsistent: %w", cp.Version, err)
		}
		if opts.ResetFailures {
			if reset := st.ResetFailures(now); len(reset) > 0 {
				c.logger.Info("re-queued failed items", "count", len(reset))
			}
		}
		if cp.Execution.Status == state.StatusCompleted && st.Reduce != nil && st.Reduce.Completed {
			return nil, errdefs.Workflow("resume", nil, "job %s already completed", c.opts.JobID)
		}
	}
	if opts.ResetFailures {
		cp.Retry = nil
	} else {
		c.retries.Restore(cp.Retry)
	}
	if cp.ErrorRecovery == nil {
		cp.ErrorRecovery = &state.ErrorRecoveryState{}
	}
	store := state.Restore(cp)
	store.SetAll(c.opts.Variables)
	cp.Execution.Status = state.StatusRunning
	c.logger.Info("resuming job", "version", cp.Version)
	return c.execute(ctx, cp, store, true)
}

func (c *Coordinator) execute(ctx context.Context, cp *state.Checkpoint, store *variables.Store, resumed bool) (*Result, error) {
	started := c.opts.Now()
	c.mu.Lock()
	c.cp = cp
	c.vars = store
	c.abandoned = false
	c.mu.Unlock()

	result := &Result{JobID: c.opts.JobID, Checkpoint: cp, Variables: store}
	runner, err := forge.NewStepRunner(ctx, forge.StepRunnerOptions{
		Runner:   c.opts.Runner,
		Dir:      c.opts.Dir,
		Env:      maps.Clone(c.opts.Workflow.Env),
		Repo:     c.repo(),
		Retries:  c.retries,
		Handlers: forge.NewHandlerRegistry(c.opts.Handlers...),
		Events:   c.opts.Events,
		JobID:    c.opts.JobID,
		Logger:   c.logger,
		Now:      c.opts.Now,
		OnLine:   c.opts.OnLine,
	})
	if err != nil {
		return result, err
	}
	if err := c.startSession(ctx, resumed); err != nil {
		return result, err
	}
	result.SessionID = c.sessionID

	c.emit(ctx, events.JobStarted, func(ev *events.Event) {
		ev.Message = c.opts.Workflow.Name
		ev.Data = map[string]any{"resumed": resumed}
	})
	c.logger.Info("starting mapreduce job", "name", c.opts.Workflow.Name, "resumed", resumed)

	finish := func(status state.Status, runErr error) (*Result, error) {
		result.Status = status
		result.Duration = c.opts.Now().Sub(started)
		c.mu.Lock()
		if st := cp.MapReduce; st != nil {
			result.Aggregated = st.Aggregate()
		}
		c.mu.Unlock()
		c.emit(ctx, events.JobCompleted, func(ev *events.Event) {
			ev.Duration = result.Duration
			ev.Data = map[string]any{"status": string(status)}
			if runErr != nil {
				ev.Error = runErr.Error()
			}
		})
		return result, runErr
	}
	interrupted := func(err error) (*Result, error) {
		if ctx.Err() != nil {
			return finish(state.StatusPaused, c.pause(ctx, ctx.Err()))
		}
		return finish(state.StatusFailed, c.fail(ctx, err))
	}

	if cp.MapReduce == nil {
		setup, err := c.setup(ctx, runner, cp, store)
		result.Setup = setup
		if err != nil {
			return interrupted(err)
		}
		items, err := c.loadItems(store)
		if err != nil {
			return finish(state.StatusFailed, c.fail(ctx, err))
		}
		c.mu.Lock()
		st := state.NewJobState(c.opts.JobID, c.cfg.Map.MapConfig, items, c.opts.Now().UTC())
		st.SetupCompleted = true
		st.SetupOutput = setupOutput(setup)
		st.AgentTemplate = c.cfg.AgentTemplateJSON()
		st.ReduceCommands = c.cfg.ReduceJSON()
		st.ParentWorktree = c.opts.Dir
		st.Variables = store.Context()
		cp.MapReduce = st
		c.mu.Unlock()
		if err := c.save(ctx); err != nil {
			return finish(state.StatusFailed, err)
		}
		c.logger.Info("work items loaded", "count", len(items))
	}

	if err := c.mapPhase(ctx, runner, store); err != nil {
		if ctx.Err() != nil {
			return finish(state.StatusPaused, c.cancel(ctx))
		}
		return finish(state.StatusFailed, c.fail(ctx, err))
	}

	c.mu.Lock()
	result.Aggregated = cp.MapReduce.Aggregate()
	c.mu.Unlock()
	c.logger.Info("map phase completed",
		"successful", result.Aggregated.SuccessCount,
		"failed", result.Aggregated.FailureCount,
		"total", result.Aggregated.Total)

	reduce, err := c.reduce(ctx, runner, cp, store, result.Aggregated)
	result.Reduce = reduce
	if err != nil {
		return interrupted(err)
	}

	c.mu.Lock()
	cp.Execution.Status = state.StatusCompleted
	c.mu.Unlock()
	if err := c.save(ctx); err != nil {
		return finish(state.StatusFailed, err)
	}
	if c.sessionID != "" {
		if _, err := c.opts.Sessions.Complete(ctx, c.sessionID); err != nil {
			c.logger.Warn("failed to complete session", "error", err)
		}
	}
	c.logger.Info("mapreduce job completed", "duration", c.opts.Now().Sub(started))
	return finish(state.StatusCompleted, nil)
}

// repo returns the main repository for commit tracking, or an untyped nil.
func (c *Coordinator) repo() tracking.Repo {
	if c.opts.Repo == nil {
		return nil
	}
	return c.opts.Repo
}

func (c *Coordinator) setup(ctx context.Context, runner *forge.StepRunner, cp *state.Checkpoint, store *variables.Store) ([]forge.StepResult, error) {
	var results []forge.StepResult
	for i, step := range c.cfg.Setup {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if cp.IsCompleted(i) {
			continue
		}
		cp.Execution.CurrentStepIndex = i
		res, err := runner.Run(ctx, step, forge.Scope{Index: i, Store: store, Recovery: cp.ErrorRecovery, Prefix: "setup"})
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("setup failed: %w", err)
		}
		c.mu.Lock()
		cp.Complete(res.Completed(c.opts.Now().UTC()))
		c.mu.Unlock()
		if err := c.save(ctx); err != nil {
			return results, err
		}
		c.updateSession(ctx,
			session.StepCompleted{Index: i},
			session.TimingRecord{Step: res.Name, Duration: res.Duration})
	}
	return results, nil
}

func setupOutput(results []forge.StepResult) string {
	var parts []string
	for _, r := range results {
		if r.Output != "" {
			parts = append(parts, strings.TrimRight(r.Output, "\n"))
		}
	}
	return strings.Join(parts, "\n")
}

func (c *Coordinator) loadItems(store *variables.Store) ([]state.WorkItem, error) {
	if c.opts.Items != nil {
		if err := ValidateItems(c.opts.Items); err != nil {
			return nil, err
		}
		return c.opts.Items, nil
	}
	path := variables.Interpolate(c.cfg.Map.Input, store)
	if !filepath.IsAbs(path) && c.opts.Dir != "" {
		path = filepath.Join(c.opts.Dir, path)
	}
	return LoadItems(path, c.cfg.Map.MapConfig)
}

func (c *Coordinator) maxParallel() int {
	if n := c.cfg.Map.MaxParallel; n > 0 {
		return n
	}
	return DefaultMaxParallel
}

// mapPhase feeds the pending queue to at most max_parallel agents. An item
// re-queued after a failure goes to the back of the queue and is dispatched
// as soon as a slot frees up; it does not wait for the other agents.
func (c *Coordinator) mapPhase(ctx context.Context, runner *forge.StepRunner, store *variables.Store) error {
	c.mu.Lock()
	queued := len(c.cp.MapReduce.Pending)
	c.mu.Unlock()
	if queued == 0 {
		return nil
	}
	c.logger.Info("dispatching agents", "items", queued, "max_parallel", c.maxParallel())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxParallel())
	// finished wakes the feeder when an agent returns its slot.
	finished := make(chan struct{}, 1)
	running := map[string]bool{}
	feedErr := c.feed(gctx, g, running, finished, func(item state.WorkItem) error {
		return c.process(gctx, runner, store, item)
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		select {
		case err = <-done:
		case <-time.After(c.opts.GracePeriod):
			c.mu.Lock()
			c.abandoned = true
			c.mu.Unlock()
			c.logger.Warn("agents did not stop within the grace period", "grace_period", c.opts.GracePeriod)
			return ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	return feedErr
}

// feed starts an agent for the first pending item that is not already
// running, until the queue is empty and every agent has returned.
func (c *Coordinator) feed(ctx context.Context, g *errgroup.Group, running map[string]bool, finished chan struct{}, work func(state.WorkItem) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		item, ok := c.nextItem(running)
		busy := len(running)
		if ok {
			running[item.ID] = true
		}
		c.mu.Unlock()

		if !ok {
			if busy == 0 {
				return nil
			}
			select {
			case <-finished:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				c.mu.Lock()
				delete(running, item.ID)
				c.mu.Unlock()
				return err
			}
		}
		g.Go(func() error {
			defer func() {
				c.mu.Lock()
				delete(running, item.ID)
				c.mu.Unlock()
				select {
				case finished <- struct{}{}:
				default:
				}
			}()
			return work(item)
		})
	}
}

// nextItem returns the first pending item without a running agent. The
// caller holds c.mu.
func (c *Coordinator) nextItem(running map[string]bool) (state.WorkItem, bool) {
	st := c.cp.MapReduce
	for _, id := range st.Pending {
		if running[id] {
			continue
		}
		if item, ok := st.Item(id); ok {
			return item, true
		}
	}
	return state.WorkItem{}, false
}

// process runs one attempt of an item and records its outcome.
func (c *Coordinator) process(ctx context.Context, runner *forge.StepRunner, store *variables.Store, item state.WorkItem) error {
	if ctx.Err() != nil {
		return nil
	}
	c.mu.Lock()
	attempt := c.cp.MapReduce.RetryCount(item.ID) + 1
	c.mu.Unlock()
	run := c.runAgent(ctx, runner, store, item, attempt)
	if run.cancelled {
		return nil
	}
	return c.record(ctx, item, run, attempt)
}

// record applies an agent outcome to the job state: success finishes the
// item, failure re-queues it while retries remain and otherwise finishes it
// as failed and moves it to the dead letter queue.
func (c *Coordinator) record(ctx context.Context, item state.WorkItem, run agentRun, attempt int) error {
	res := run.result
	c.mu.Lock()
	if c.abandoned {
		c.mu.Unlock()
		return nil
	}
	st := c.cp.MapReduce
	now := c.opts.Now().UTC()
	var (
		kind   events.Kind
		dead   *DeadLetteredItem
		final  bool
		err    error
		failed state.FailureRecord
	)
	if res.Status.IsSuccess() {
		kind = events.AgentCompleted
		final = true
		err = st.RecordResult(res, now)
	} else {
		failed = st.RecordFailure(item.ID, res.Error, now)
		if st.RetryCount(item.ID) < st.Config.RetryOnFailure {
			kind = events.AgentRetrying
			_, err = st.Requeue(item.ID, now)
		} else {
			kind = events.AgentFailed
			final = true
			err = st.RecordResult(res, now)
			dead = c.deadLetter(item, run, failed, attempt)
		}
	}
	if err != nil {
		c.mu.Unlock()
		return errdefs.Workflow("record agent result", err, "failed to record result of item %q", item.ID)
	}
	saveErr := c.saveLocked(ctx)
	c.mu.Unlock()

	logger := c.logger.With("agent_id", res.AgentID, "item_id", item.ID)
	switch kind {
	case events.AgentCompleted:
		logger.Info("agent completed", "duration", res.Duration, "commits", len(res.Commits))
	case events.AgentRetrying:
		logger.Warn("agent failed; re-queued", "attempt", attempt, "error", res.Error)
	default:
		logger.Error("agent failed", "attempts", attempt, "error", res.Error)
	}
	c.emit(ctx, kind, func(ev *events.Event) {
		ev.AgentID = res.AgentID
		ev.ItemID = item.ID
		ev.Duration = res.Duration
		ev.Error = res.Error
		ev.Data = map[string]any{"attempt": attempt, "status": res.Status.String()}
	})
	if dead != nil {
		if err := c.dlq.Enqueue(context.WithoutCancel(ctx), *dead); err != nil {
			logger.Warn("failed to add item to dead letter queue", "error", err)
		}
	}
	if final {
		c.updateSession(ctx,
			session.ProgressIncrement{Steps: 1, Files: len(res.FilesModified)},
			session.TimingRecord{Step: "agent:" + item.ID, Duration: res.Duration})
	}
	return saveErr
}

func (c *Coordinator) deadLetter(item state.WorkItem, run agentRun, rec state.FailureRecord, attempt int) *DeadLetteredItem {
	if c.dlq == nil {
		return nil
	}
	res := run.result
	history := make([]FailureDetail, 0, len(rec.Errors))
	for i, msg := range rec.Errors[:max(len(rec.Errors)-1, 0)] {
		history = append(history, FailureDetail{Attempt: i + 1, Kind: FailureUnknown, Message: msg})
	}
	history = append(history, FailureDetail{
		Attempt:      attempt,
		Timestamp:    rec.LastFailedAt,
		Kind:         run.kind,
		ExitCode:     run.exitCode,
		Message:      res.Error,
		AgentID:      res.AgentID,
		StepFailed:   run.step,
		Duration:     res.Duration,
		LogLocation:  res.StructuredLogPath,
		WorktreePath: res.WorktreePath,
		Branch:       res.Branch,
	})
	manual := run.kind == FailureValidation || run.kind == FailureCommitValidation
	return &DeadLetteredItem{
		ItemID:               item.ID,
		ItemData:             item.Data,
		LastAttempt:          rec.LastFailedAt,
		FailureHistory:       history,
		ReprocessEligible:    !manual,
		ManualReviewRequired: manual,
	}
}

// cancel records every unfinished item as cancelled, leaving it pending so a
// resume dispatches it again, and pauses the job.
func (c *Coordinator) cancel(ctx context.Context) error {
	c.mu.Lock()
	c.abandoned = true
	st := c.cp.MapReduce
	now := c.opts.Now().UTC()
	pending := append([]string(nil), st.Pending...)
	for _, id := range pending {
		st.RecordFailure(id, "cancelled", now)
	}
	c.mu.Unlock()
	c.logger.Warn("job cancelled", "pending", len(pending))
	return c.pause(ctx, ctx.Err())
}

func (c *Coordinator) pause(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	c.cp.Execution.Status = state.StatusPaused
	c.mu.Unlock()
	c.logger.Warn("job interrupted; checkpoint saved for resume")
	if err := c.save(ctx); err != nil {
		return errors.Join(cause, err)
	}
	if c.sessionID != "" {
		if _, err := c.opts.Sessions.Pause(ctx, c.sessionID); err != nil {
			c.logger.Warn("failed to pause session", "error", err)
		}
	}
	return cause
}

func (c *Coordinator) fail(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	c.mu.Lock()
	c.cp.Execution.Status = state.StatusFailed
	if c.cp.ErrorRecovery != nil {
		c.cp.ErrorRecovery.LastError = cause.Error()
	}
	c.mu.Unlock()
	c.logger.Error("mapreduce job failed", "error", cause)
	if err := c.save(ctx); err != nil && !errdefs.Is(cause, errdefs.KindStorage) {
		return errors.Join(cause, err)
	}
	if c.sessionID != "" {
		if _, err := c.opts.Sessions.Fail(ctx, c.sessionID, "", cause); err != nil {
			c.logger.Warn("failed to record session failure", "error", err)
		}
	}
	return cause
}

func (c *Coordinator) startSession(ctx context.Context, resumed bool) error {
	if c.opts.Sessions == nil {
		return nil
	}
	metadata := map[string]string{
		"workflow": c.opts.Workflow.Name,
		"job_id":   c.opts.JobID,
		"mode":     "mapreduce",
	}
	if p := c.opts.Workflow.Path(); p != "" {
		metadata["workflow_path"] = p
	}
	if resumed {
		metadata["resumed"] = "true"
	}
	sess, err := c.opts.Sessions.Create(ctx, c.opts.JobID, metadata)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if _, err := c.opts.Sessions.Start(ctx, sess.ID); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	c.sessionID = sess.ID
	return nil
}

func (c *Coordinator) updateSession(ctx context.Context, updates ...session.Update) {
	if c.sessionID == "" {
		return
	}
	if _, err := c.opts.Sessions.Update(ctx, c.sessionID, updates...); err != nil {
		c.logger.Warn("failed to update session", "error", err)
	}
}

func (c *Coordinator) emit(ctx context.Context, kind events.Kind, fn func(*events.Event)) {
	ev := events.New(kind, c.opts.JobID)
	ev.WorkflowID = c.opts.JobID
	ev.SessionID = c.sessionID
	if fn != nil {
		fn(&ev)
	}
	c.opts.Events.Emit(ctx, ev)
}

func (c *Coordinator) save(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(ctx)
}

// saveLocked writes the checkpoint. The caller holds c.mu, which serializes
// writers of the job's checkpoint.
func (c *Coordinator) saveLocked(ctx context.Context) error {
	cp := c.cp
	now := c.opts.Now().UTC()
	cp.Timestamp = now
	cp.Execution.LastCheckpoint = now
	cp.Variables = c.vars.Snapshot()
	cp.Retry = c.retries.Snapshot()
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, func() error {
		return c.store.Save(ctx, cp)
	}, retry.WithMaxRetries(2))
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	if cp.MapReduce != nil {
		cp.MapReduce.CheckpointVersion = cp.Version
	}
	c.updateSession(ctx, session.CheckpointPointer{WorkflowID: cp.WorkflowID, Version: cp.Version})
	c.emit(ctx, events.CheckpointSaved, func(ev *events.Event) {
		ev.Data = map[string]any{"version": cp.Version}
	})
	return nil
}
