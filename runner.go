package forge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/deepnoodle-ai/forge/capture"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/expression"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/deepnoodle-ai/forge/tracking"
	"github.com/deepnoodle-ai/forge/variables"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// StepRunnerOptions configures a StepRunner.
type StepRunnerOptions struct {
	Runner subprocess.Runner
	// Dir is the working directory commands run in.
	Dir string
	// Env is applied to every step; step env overrides it.
	Env map[string]string
	// Repo enables commit and change tracking when set.
	Repo     tracking.Repo
	Retries  *retry.Executor
	Handlers HandlerRegistry
	Events   *events.Emitter
	// JobID and AgentID tag emitted events.
	JobID   string
	AgentID string
	Logger  *slog.Logger
	// DryRun records rendered commands instead of running them.
	DryRun *DryRun
	// SkipValidation ignores validate blocks.
	SkipValidation bool
	Now            func() time.Time
	// OnLine receives streamed command output.
	OnLine func(stream, line string)
}

// StepRunner executes single steps: guards, dispatch, retries, capture,
// commit verification, validation and failure handlers. It is shared by the
// sequential executor and MapReduce agents.
type StepRunner struct {
	opts    StepRunnerOptions
	logger  *slog.Logger
	commits *tracking.CommitTracker
	changes *tracking.ChangeTracker
}

// Scope is the variable scope and checkpoint bookkeeping a step runs in.
type Scope struct {
	Index    int
	Store    *variables.Store
	Recovery *state.ErrorRecoveryState
	// Prefix namespaces retry state, e.g. per agent.
	Prefix string

	nested bool
}

func (s Scope) commandID() string {
	if s.Prefix == "" {
		return fmt.Sprintf("step-%d", s.Index)
	}
	return fmt.Sprintf("%s/step-%d", s.Prefix, s.Index)
}

func (s Scope) child(prefix string, index int) Scope {
	return Scope{Index: index, Store: s.Store, Prefix: s.commandID() + "/" + prefix, nested: true}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Index     int
	Name      string
	Command   string
	Success   bool
	Skipped   bool
	Recovered bool
	Output    string
	Stderr    string
	ExitCode  *int
	Captured  map[string]variables.Value
	Commits   []string
	Changes   tracking.StepChanges
	Duration  time.Duration
	Retry     *retry.CommandState
	Error     error
}

// Completed converts the result into its checkpoint record.
func (r StepResult) Completed(now time.Time) state.CompletedStep {
	return state.CompletedStep{
		StepIndex:         r.Index,
		Name:              r.Name,
		Command:           r.Command,
		Success:           r.Success,
		Skipped:           r.Skipped,
		Output:            capture.Truncate(r.Output, 64*1024),
		CapturedVariables: r.Captured,
		Duration:          r.Duration,
		CompletedAt:       now,
		Commits:           r.Commits,
		RetryState:        r.Retry,
	}
}

// NewStepRunner returns a runner. When opts.Repo is set, the current HEAD is
// recorded for commit attribution.
func NewStepRunner(ctx context.Context, opts StepRunnerOptions) (*StepRunner, error) {
	if opts.Runner == nil {
		return nil, errdefs.Config("step runner requires a subprocess runner")
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Handlers == nil {
		opts.Handlers = NewHandlerRegistry()
	}
	if opts.Retries == nil {
		opts.Retries = retry.NewExecutor(retry.Options{Logger: opts.Logger})
	}
	r := &StepRunner{opts: opts, logger: opts.Logger}
	if opts.Repo != nil && opts.DryRun == nil {
		var err error
		if r.commits, err = tracking.NewCommitTracker(ctx, opts.Repo, opts.Logger); err != nil {
			return nil, errdefs.Git("rev-parse", err)
		}
		if r.changes, err = tracking.NewChangeTracker(ctx, opts.Repo); err != nil {
			return nil, errdefs.Git("status", err)
		}
	}
	return r, nil
}

// ForWorktree returns a runner for the same configuration rooted at dir,
// tracking commits in repo.
func (r *StepRunner) ForWorktree(ctx context.Context, dir string, repo tracking.Repo, agentID string) (*StepRunner, error) {
	opts := r.opts
	opts.Dir = dir
	opts.Repo = repo
	opts.AgentID = agentID
	opts.Logger = r.logger.With("agent_id", agentID)
	return NewStepRunner(ctx, opts)
}

// Retries returns the retry executor whose state is checkpointed.
func (r *StepRunner) Retries() *retry.Executor {
	return r.opts.Retries
}

// Changes returns the workflow-cumulative file changes, if tracked.
func (r *StepRunner) Changes() tracking.StepChanges {
	if r.changes == nil {
		return tracking.StepChanges{}
	}
	return r.changes.Workflow()
}

// invocation is one rendering of a step: its scope, environment and
// working directory.
type invocation struct {
	scope   Scope
	env     map[string]string
	dir     string
	timeout time.Duration
	logger  *slog.Logger
}

func (inv invocation) render(template string) string {
	return variables.Interpolate(template, inv.scope.Store)
}

func (r *StepRunner) now() time.Time {
	return r.opts.Now()
}

func (r *StepRunner) emit(ctx context.Context, scope Scope, kind events.Kind, step string, fn func(*events.Event)) {
	if scope.nested {
		return
	}
	e := events.New(kind, r.opts.JobID)
	e.AgentID = r.opts.AgentID
	e.Step = step
	if fn != nil {
		fn(&e)
	}
	r.opts.Events.Emit(ctx, e)
}

// Run executes step in scope. A nil error means the workflow may continue;
// the result says whether the step itself succeeded. A non-nil error is a
// terminal step failure.
func (r *StepRunner) Run(ctx context.Context, step *Step, scope Scope) (StepResult, error) {
	started := r.now()
	res := StepResult{
		Index:    scope.Index,
		Name:     step.DisplayName(),
		Captured: map[string]variables.Value{},
	}
	logger := r.logger.With("step", res.Name)
	ctx = WithVariables(WithLogger(ctx, logger), scope.Store)
	if r.opts.AgentID != "" {
		ctx = WithAgent(ctx, r.opts.AgentID)
	}

	if step.When != "" {
		ok, err := r.evalWhen(step.When, scope.Store)
		if err != nil {
			return res, errdefs.Workflow("when", err, "failed to evaluate when guard of step %q", res.Name)
		}
		if !ok {
			logger.Info("skipping step", "when", step.When)
			res.Skipped = true
			res.Success = true
			res.Command = step.Template()
			if r.opts.DryRun != nil {
				r.opts.DryRun.record(DryRunEntry{Index: scope.Index, Step: res.Name, Kind: step.Command.Kind(), Skipped: true})
			}
			return res, nil
		}
	}

	inv, err := r.prepare(step, scope, logger)
	if err != nil {
		return res, err
	}
	res.Command = inv.render(step.Template())

	if r.opts.DryRun != nil {
		r.recordDryRun(step, inv, res.Command)
		res.Success = true
		return res, nil
	}

	tracked := r.commits != nil && !scope.nested
	var beforeHead string
	if tracked {
		if beforeHead, err = r.commits.Snapshot(ctx); err != nil {
			return res, errdefs.Git("rev-parse", err)
		}
		if err := r.changes.BeginStep(ctx); err != nil {
			return res, errdefs.Git("status", err)
		}
	}

	r.emit(ctx, scope, events.StepStarted, res.Name, func(e *events.Event) { e.Message = res.Command })
	logger.Info("running step", "kind", step.Command.Kind())

	var last subprocess.Result
	attempt := func(ctx context.Context) error {
		out, err := r.dispatch(ctx, step, inv)
		last = out
		r.publishOutput(scope.Store, step, out, res.Captured)
		if err != nil {
			return err
		}
		if step.Capture != nil {
			v, err := capture.Apply(scope.Store, *step.Capture, out.Stdout, out.Stderr)
			if err != nil {
				return errdefs.Workflow("capture", err, "failed to capture %q", step.Capture.Name)
			}
			res.Captured[step.Capture.Name] = v
		}
		return nil
	}

	var runErr error
	if step.Retry != nil {
		id := scope.commandID()
		runErr = r.opts.Retries.Run(ctx, id, *step.Retry, func(ctx context.Context, n int) error {
			return attempt(ctx)
		})
		res.Retry, _ = r.opts.Retries.State(id)
	} else {
		runErr = attempt(ctx)
	}

	if runErr == nil && tracked {
		committed, err := r.commits.Finalize(ctx, tracking.StepCommitRequest{
			StepName:       res.Name,
			BeforeHead:     beforeHead,
			AutoCommit:     step.AutoCommit,
			CommitRequired: step.CommitRequired,
			Config:         step.CommitConfig,
			Render:         inv.render,
		})
		res.Commits = committed.Hashes()
		runErr = err
	} else if runErr == nil && step.CommitRequired && r.commits == nil && !scope.nested {
		logger.Warn("commit_required ignored outside a git repository")
	}
	if tracked {
		changes, err := r.changes.CompleteStep(ctx)
		if err != nil {
			logger.Warn("failed to compute file changes", "error", err)
		} else {
			res.Changes = changes
			tracking.Publish(scope.Store, changes, r.changes.Workflow())
		}
	}

	if runErr == nil && step.Validate != nil && !r.opts.SkipValidation {
		runErr = r.validate(ctx, step.Validate, inv)
	}

	res.Output = last.Stdout
	res.Stderr = last.Stderr
	res.ExitCode = last.ExitCode
	if runErr == nil {
		res.Success = true
		if step.OnSuccess != nil {
			if _, err := r.Run(ctx, step.OnSuccess, scope.child("on_success", 0)); err != nil {
				logger.Warn("on_success handler failed", "error", err)
			}
		}
		res.Duration = r.now().Sub(started)
		r.emit(ctx, scope, events.StepCompleted, res.Name, func(e *events.Event) { e.Duration = res.Duration })
		logger.Info("step completed", "duration", res.Duration)
		return res, nil
	}

	res, err = r.handleFailure(ctx, step, inv, res, last, runErr, attempt)
	res.Duration = r.now().Sub(started)
	if err != nil {
		r.emit(ctx, scope, events.StepFailed, res.Name, func(e *events.Event) {
			e.Error = err.Error()
			e.Duration = res.Duration
		})
		return res, err
	}
	r.emit(ctx, scope, events.StepCompleted, res.Name, func(e *events.Event) {
		e.Duration = res.Duration
		e.Data = map[string]any{"recovered": res.Recovered, "success": res.Success}
	})
	return res, nil
}

func (r *StepRunner) evalWhen(when string, store *variables.Store) (bool, error) {
	src, err := whenSource(when)
	if err != nil {
		return false, err
	}
	expr, err := expression.Compile(src)
	if err != nil {
		return false, err
	}
	return expr.Evaluate(store.Context())
}

// whenSource turns ${path} placeholders in a when guard into field
// references, so values are looked up during evaluation instead of being
// spliced into the expression text.
func whenSource(when string) (string, error) {
	placeholders := variables.Placeholders(when)
	if len(placeholders) == 0 {
		return when, nil
	}
	var b strings.Builder
	last := 0
	for _, ph := range placeholders {
		if ph.Modifier != "" {
			return "", errdefs.Config("when guard %q: modifier %q is not supported in expressions", when, ph.Modifier)
		}
		b.WriteString(when[last:ph.Start])
		b.WriteString(ph.Path)
		last = ph.End
	}
	b.WriteString(when[last:])
	return b.String(), nil
}

func (r *StepRunner) prepare(step *Step, scope Scope, logger *slog.Logger) (invocation, error) {
	inv := invocation{scope: scope, dir: r.opts.Dir, timeout: step.Timeout.Std(), logger: logger}
	env := maps.Clone(r.opts.Env)
	if env == nil {
		env = map[string]string{}
	}
	if err := mergo.Merge(&env, step.Env, mergo.WithOverride); err != nil {
		return inv, errdefs.WrapConfig(err, "failed to merge environment of step %q", step.DisplayName())
	}
	for k, v := range env {
		env[k] = variables.Interpolate(v, scope.Store)
	}
	inv.env = env
	if step.WorkingDir != "" {
		dir := variables.Interpolate(step.WorkingDir, scope.Store)
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(r.opts.Dir, dir)
		}
		inv.dir = dir
	}
	return inv, nil
}

func (r *StepRunner) recordDryRun(step *Step, inv invocation, command string) {
	entry := DryRunEntry{Index: inv.scope.Index, Step: step.DisplayName(), Kind: step.Command.Kind(), Command: command}
	if v := step.Validate; v != nil {
		switch {
		case v.Check != nil:
			entry.Validation = inv.render(v.Check.Template())
		case v.ResultFile != "":
			entry.Validation = "read " + inv.render(v.ResultFile)
		}
		if v.OnIncomplete != nil && v.OnIncomplete.Handler != nil {
			entry.Handlers = append(entry.Handlers, "on_incomplete: "+inv.render(v.OnIncomplete.Handler.Template()))
		}
	}
	if step.OnSuccess != nil {
		entry.Handlers = append(entry.Handlers, "on_success: "+inv.render(step.OnSuccess.Template()))
	}
	if f := failurePolicy(step); f != nil && f.Handler != nil {
		entry.Handlers = append(entry.Handlers, "on_failure: "+inv.render(f.Handler.Template()))
	}
	for _, code := range sortedCodes(step.OnExitCode) {
		entry.Handlers = append(entry.Handlers, fmt.Sprintf("on_exit_code %d: %s", code, inv.render(step.OnExitCode[code].Template())))
	}
	r.opts.DryRun.record(entry)
}

// dispatch runs the step's command once. A failed command is returned as a
// *subprocess.CommandError so the retry executor can classify it.
func (r *StepRunner) dispatch(ctx context.Context, step *Step, inv invocation) (subprocess.Result, error) {
	var (
		out  subprocess.Result
		err  error
		kind = step.Command.Kind()
	)
	switch c := step.Command.(type) {
	case ShellCommand:
		out, err = r.shell(ctx, inv.render(c.Command), inv)
	case AssistantCommand:
		out, err = r.assistant(ctx, inv.render(c.Prompt), inv)
	case TestCommand:
		out, err = r.shell(ctx, inv.render(c.Command), inv)
		if err == nil && out.ExitCode != nil {
			out.Success = *out.ExitCode == c.ExpectedExitCode
		}
	case GoalSeekCommand:
		out, err = r.goalSeek(ctx, c, inv)
	case ForeachCommand:
		out, err = r.foreach(ctx, c, inv)
	case WriteFileCommand:
		out, err = r.writeFile(c, inv)
	case HandlerCommand:
		out, err = r.handler(ctx, c, inv)
	default:
		return out, errdefs.Config("unsupported step command %T", step.Command)
	}
	if err != nil {
		var e *errdefs.Error
		if errors.As(err, &e) {
			return out, err
		}
		return out, errdefs.Execution(kind, nil, err)
	}
	if !out.Success {
		return out, subprocess.NewCommandError(kind, out)
	}
	return out, nil
}

func (r *StepRunner) shell(ctx context.Context, command string, inv invocation) (subprocess.Result, error) {
	return r.opts.Runner.RunShell(ctx, subprocess.ShellRequest{
		Command: command,
		Dir:     inv.dir,
		Env:     inv.env,
		Timeout: inv.timeout,
		OnLine:  r.opts.OnLine,
	})
}

func (r *StepRunner) assistant(ctx context.Context, prompt string, inv invocation) (subprocess.Result, error) {
	return r.opts.Runner.RunAssistant(ctx, subprocess.AssistantRequest{
		Prompt:  prompt,
		Dir:     inv.dir,
		Env:     inv.env,
		Timeout: inv.timeout,
		OnLine:  r.opts.OnLine,
	})
}

// publishOutput exposes the latest command output to following steps.
func (r *StepRunner) publishOutput(store *variables.Store, step *Step, out subprocess.Result, captured map[string]variables.Value) {
	output := variables.String(strings.TrimRight(out.Stdout, "\n"))
	set := func(name string, v variables.Value) {
		store.SetCaptured(name, v)
		captured[name] = v
	}
	set("step.output", output)
	set("step.exit_code", variables.Number(float64(out.Code())))
	set("step.success", variables.Bool(out.Success))
	switch step.Command.(type) {
	case ShellCommand, TestCommand:
		set("shell.output", output)
	case AssistantCommand:
		set("claude.output", output)
	}
}

func failurePolicy(step *Step) *OnFailure {
	if step.OnFailure != nil {
		return step.OnFailure
	}
	if tc, ok := step.Command.(TestCommand); ok {
		return tc.OnFailure
	}
	return nil
}

// handleFailure runs exit-code and on_failure handlers and decides whether
// the workflow continues.
func (r *StepRunner) handleFailure(
	ctx context.Context,
	step *Step,
	inv invocation,
	res StepResult,
	last subprocess.Result,
	cause error,
	rerun func(context.Context) error,
) (StepResult, error) {
	logger := inv.logger
	res.Error = cause
	scope := inv.scope
	scope.Store.SetCaptured("error.message", variables.String(cause.Error()))
	scope.Store.SetCaptured("error.exit_code", variables.Number(float64(last.Code())))
	logger.Warn("step failed", "error", cause)

	if last.ExitCode != nil {
		if h, ok := step.OnExitCode[*last.ExitCode]; ok {
			if _, err := r.Run(ctx, h, scope.child(fmt.Sprintf("on_exit_code_%d", *last.ExitCode), 0)); err != nil {
				logger.Warn("on_exit_code handler failed", "exit_code", *last.ExitCode, "error", err)
			}
		}
	}

	policy := failurePolicy(step)
	if policy == nil {
		return res, errdefs.Workflow("step", cause, "step %q failed", res.Name)
	}

	if policy.Handler != nil && ctx.Err() == nil {
		for n := 1; n <= policy.MaxAttempts; n++ {
			if scope.Recovery != nil {
				scope.Recovery.RecordHandler(scope.Index)
			}
			logger.Info("running on_failure handler", "attempt", n, "max_attempts", policy.MaxAttempts)
			hres, err := r.Run(ctx, policy.Handler, scope.child("on_failure", n))
			if err != nil || !hres.Success {
				logger.Warn("on_failure handler failed", "attempt", n, "error", err)
				continue
			}
			if policy.MaxAttempts <= 1 {
				res.Recovered = true
				logger.Info("step recovered by on_failure handler")
				return res, nil
			}
			if err := rerun(ctx); err != nil {
				cause = err
				res.Error = err
				continue
			}
			res.Recovered = true
			res.Success = true
			res.Error = nil
			logger.Info("step succeeded after on_failure handler", "attempt", n)
			return res, nil
		}
	}

	if policy.IgnoreErrors {
		logger.Warn("ignoring step failure")
		return res, nil
	}
	if !policy.FailWorkflow {
		logger.Warn("continuing after step failure", "fail_workflow", false)
		return res, nil
	}
	return res, errdefs.Workflow("step", cause, "step %q failed", res.Name)
}

// validate drives the validation loop: run the check, classify the outcome,
// and run on_incomplete between rounds.
func (r *StepRunner) validate(ctx context.Context, v *Validation, inv invocation) error {
	store := inv.scope.Store
	rounds := 0
	var onIncomplete *OnIncomplete
	if v.OnIncomplete != nil {
		onIncomplete = v.OnIncomplete
		rounds = onIncomplete.MaxAttempts
	}
	for round := 0; ; round++ {
		result, err := r.runValidation(ctx, v, inv)
		if err != nil {
			return errdefs.Workflow("validate", err, "validation failed")
		}
		result.Publish(store.SetCaptured)

		switch o := result.Outcome(v.Threshold).(type) {
		case Complete:
			inv.logger.Info("validation complete", "completion", o.Result.Completion)
			return nil
		case Incomplete:
			inv.logger.Info("validation incomplete",
				"completion", o.Score,
				"threshold", v.Threshold,
				"missing", len(o.Missing))
			if onIncomplete == nil || onIncomplete.Handler == nil || round >= rounds {
				if onIncomplete != nil && !onIncomplete.FailWorkflow {
					inv.logger.Warn("accepting incomplete validation", "completion", o.Score)
					return nil
				}
				return errdefs.Workflow("validate", nil, "validation incomplete: %s%% of %s%% after %d round(s)",
					variables.FormatNumber(o.Score), variables.FormatNumber(v.Threshold), round+1)
			}
			if err := r.runIncomplete(ctx, onIncomplete, inv, round); err != nil {
				return err
			}
		}
	}
}

func (r *StepRunner) runValidation(ctx context.Context, v *Validation, inv invocation) (ValidationResult, error) {
	vinv := inv
	if v.Timeout > 0 {
		vinv.timeout = v.Timeout.Std()
	}
	var output string
	if v.Check != nil {
		var (
			out subprocess.Result
			err error
		)
		switch c := v.Check.Command.(type) {
		case AssistantCommand:
			out, err = r.assistant(ctx, inv.render(c.Prompt), vinv)
		case ShellCommand:
			out, err = r.shell(ctx, inv.render(c.Command), vinv)
		default:
			return ValidationResult{}, errdefs.Config("validate supports shell or claude commands, not %s", c.Kind())
		}
		if err != nil {
			return ValidationResult{}, err
		}
		output = out.Stdout
		if !out.Success && v.ResultFile == "" && strings.TrimSpace(output) == "" {
			return ValidationResult{}, subprocess.NewCommandError(v.Check.Command.Kind(), out)
		}
	}
	if v.ResultFile != "" {
		path := inv.render(v.ResultFile)
		if !filepath.IsAbs(path) {
			path = filepath.Join(inv.dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return ValidationResult{}, fmt.Errorf("failed to read validation result: %w", err)
		}
		output = string(data)
	}
	return ParseValidationOutput(output)
}

func (r *StepRunner) runIncomplete(ctx context.Context, o *OnIncomplete, inv invocation, round int) error {
	var before string
	if o.CommitRequired && r.commits != nil {
		var err error
		if before, err = r.commits.Snapshot(ctx); err != nil {
			return errdefs.Git("rev-parse", err)
		}
	}
	inv.logger.Info("running on_incomplete handler", "round", round+1)
	if _, err := r.Run(ctx, o.Handler, inv.scope.child("on_incomplete", round)); err != nil {
		inv.logger.Warn("on_incomplete handler failed", "error", err)
		if o.FailWorkflow {
			return err
		}
	}
	if o.CommitRequired && r.commits != nil {
		commits, err := r.commits.CommitsSince(ctx, before)
		if err != nil {
			return errdefs.Git("log", err)
		}
		if len(commits) == 0 {
			return errdefs.Workflow("commit_required", nil, "on_incomplete handler created no commits")
		}
	}
	return nil
}

func (r *StepRunner) goalSeek(ctx context.Context, c GoalSeekCommand, inv invocation) (subprocess.Result, error) {
	threshold := float64(c.Threshold)
	if threshold == 0 {
		threshold = 100
	}
	attempts := c.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if c.Timeout > 0 {
		inv.timeout = c.Timeout.Std()
	}
	store := inv.scope.Store
	store.SetCaptured("goal_seek.goal", variables.String(inv.render(c.Goal)))

	var last subprocess.Result
	score := 0.0
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		store.SetCaptured("goal_seek.attempt", variables.Number(float64(attempt)))
		var err error
		if c.Claude != "" {
			last, err = r.assistant(ctx, inv.render(c.Claude), inv)
		} else {
			last, err = r.shell(ctx, inv.render(c.Shell), inv)
		}
		if err != nil {
			return last, err
		}
		store.SetCaptured("goal_seek.output", variables.String(strings.TrimRight(last.Stdout, "\n")))

		check, err := r.shell(ctx, inv.render(c.Validate), inv)
		if err != nil {
			return last, err
		}
		score = 0
		if parsed, err := ParseValidationOutput(check.Stdout); err == nil {
			score = parsed.Completion
		} else {
			inv.logger.Warn("goal_seek validator produced no score", "attempt", attempt, "error", err)
		}
		store.SetCaptured("goal_seek.score", variables.Number(score))
		if score >= threshold {
			inv.logger.Info("goal reached", "attempt", attempt, "score", score)
			last.Success = true
			return last, nil
		}
		inv.logger.Info("goal not reached", "attempt", attempt, "score", score, "threshold", threshold)
	}
	last.Success = false
	code := 1
	last.ExitCode = &code
	last.Stderr = fmt.Sprintf("goal not reached after %d attempt(s): score %s of %s",
		attempts, variables.FormatNumber(score), variables.FormatNumber(threshold))
	return last, nil
}

func (r *StepRunner) foreach(ctx context.Context, c ForeachCommand, inv invocation) (subprocess.Result, error) {
	items, err := r.foreachItems(ctx, c.Input, inv)
	if err != nil {
		return subprocess.Result{}, err
	}
	if c.MaxItems > 0 && len(items) > c.MaxItems {
		items = items[:c.MaxItems]
	}
	inv.logger.Info("running foreach", "items", len(items), "parallel", max(c.Parallel, 1))

	var (
		mu        sync.Mutex
		succeeded int
		failed    int
		outputs   = make([]string, len(items))
		results   = make([]any, len(items))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.Parallel, 1))
	for i, item := range items {
		g.Go(func() error {
			store := inv.scope.Store.Clone()
			store.SetCaptured("item", variables.FromAny(item))
			store.SetCaptured("index", variables.Number(float64(i)))
			prefix := fmt.Sprintf("%s/foreach-%d", inv.scope.commandID(), i)
			var itemErr error
			for j, s := range c.Do {
				sr, err := r.Run(gctx, s, Scope{Index: j, Store: store, Prefix: prefix, nested: true})
				if err != nil {
					itemErr = err
					break
				}
				outputs[i] = strings.TrimRight(sr.Output, "\n")
			}
			mu.Lock()
			defer mu.Unlock()
			result := map[string]any{"index": i, "item": item, "success": itemErr == nil, "output": outputs[i]}
			if itemErr != nil {
				failed++
				result["error"] = itemErr.Error()
			} else {
				succeeded++
			}
			results[i] = result
			if itemErr != nil && !c.ContinueOnError {
				return itemErr
			}
			return nil
		})
	}
	waitErr := g.Wait()

	store := inv.scope.Store
	store.SetCaptured("foreach.total", variables.Number(float64(len(items))))
	store.SetCaptured("foreach.succeeded", variables.Number(float64(succeeded)))
	store.SetCaptured("foreach.failed", variables.Number(float64(failed)))
	store.SetCaptured("foreach.results", variables.Array(results...))

	out := subprocess.Result{Stdout: strings.Join(outputs, "\n"), Success: true}
	code := 0
	if waitErr != nil || failed > 0 && !c.ContinueOnError {
		out.Success = false
		code = 1
		if waitErr != nil {
			out.Stderr = waitErr.Error()
		}
	}
	out.ExitCode = &code
	return out, nil
}

// foreachItems resolves the input: an inline list, a single ${var}
// placeholder naming a list or multi-line string, or a command whose output
// lines are the items.
func (r *StepRunner) foreachItems(ctx context.Context, in ForeachInput, inv invocation) ([]any, error) {
	if in.Expr == "" {
		items := make([]any, len(in.Items))
		for i, it := range in.Items {
			if s, ok := it.(string); ok {
				it = inv.render(s)
			}
			items[i] = it
		}
		return items, nil
	}
	expr := strings.TrimSpace(in.Expr)
	if ph := variables.Placeholders(expr); len(ph) == 1 && ph[0].Raw == expr {
		v, found, _ := inv.scope.Store.Resolve(ph[0].Path)
		if !found {
			return nil, errdefs.Workflow("foreach", nil, "foreach input %s is not defined", expr)
		}
		if arr, ok := v.Any().([]any); ok {
			return arr, nil
		}
		return linesToItems(capture.SplitLines(v.Render())), nil
	}
	out, err := r.shell(ctx, inv.render(expr), inv)
	if err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, subprocess.NewCommandError("foreach", out)
	}
	return linesToItems(capture.SplitLines(out.Stdout)), nil
}

func linesToItems(lines []string) []any {
	items := make([]any, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			items = append(items, l)
		}
	}
	return items
}

func (r *StepRunner) writeFile(c WriteFileCommand, inv invocation) (subprocess.Result, error) {
	path := inv.render(c.Path)
	if !filepath.IsAbs(path) {
		path = filepath.Join(inv.dir, path)
	}
	content := inv.render(c.Content)
	switch c.Format {
	case "", "text":
	case "json":
		var doc any
		if err := xjson.Unmarshal([]byte(content), &doc); err != nil {
			return subprocess.Result{}, fmt.Errorf("write_file content is not valid JSON: %w", err)
		}
		pretty, err := xjson.MarshalIndent(doc, "", "  ")
		if err != nil {
			return subprocess.Result{}, err
		}
		content = string(pretty) + "\n"
	case "yaml":
		var doc any
		if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
			return subprocess.Result{}, fmt.Errorf("write_file content is not valid YAML: %w", err)
		}
	default:
		return subprocess.Result{}, errdefs.Config("unknown write_file format %q", c.Format)
	}
	mode, err := parseMode(c.Mode)
	if err != nil {
		return subprocess.Result{}, err
	}
	if c.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return subprocess.Result{}, err
		}
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return subprocess.Result{}, err
	}
	inv.logger.Info("wrote file", "path", path, "bytes", len(content))
	code := 0
	return subprocess.Result{Stdout: path, Success: true, ExitCode: &code}, nil
}

// parseMode parses an octal file mode; empty means 0644.
func parseMode(mode string) (os.FileMode, error) {
	if mode == "" {
		return 0644, nil
	}
	n, err := strconv.ParseUint(mode, 8, 32)
	if err != nil || n > 0777 {
		return 0, errdefs.Config("invalid file mode %q", mode)
	}
	return os.FileMode(n), nil
}

func (r *StepRunner) handler(ctx context.Context, c HandlerCommand, inv invocation) (subprocess.Result, error) {
	h, ok := r.opts.Handlers[c.Name]
	if !ok {
		return subprocess.Result{}, errdefs.Config("unknown handler %q", c.Name)
	}
	attrs, _ := renderAttributes(c.Attributes, inv.render).(map[string]any)
	hr, err := h.Execute(ctx, HandlerContext{
		Dir:     inv.dir,
		Env:     inv.env,
		Timeout: inv.timeout,
		Runner:  r.opts.Runner,
		Logger:  inv.logger.With("handler", c.Name),
	}, attrs)
	if err != nil {
		return subprocess.Result{}, err
	}
	for k, v := range hr.Data {
		inv.scope.Store.SetCaptured("handler."+k, variables.FromAny(v))
	}
	code := 0
	if !hr.Success {
		code = 1
	}
	return subprocess.Result{Stdout: hr.Output, Success: hr.Success, ExitCode: &code}, nil
}

func renderAttributes(v any, render func(string) string) any {
	switch x := v.(type) {
	case string:
		return render(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = renderAttributes(item, render)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = renderAttributes(item, render)
		}
		return out
	case nil:
		return map[string]any{}
	}
	return v
}

func sortedCodes(m map[int]*Step) []int {
	return slices.Sorted(maps.Keys(m))
}
