package forge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/subprocess/subprocesstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dir      string
	runner   *subprocesstest.Fake
	store    *checkpoint.FileStore
	sessions *session.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	store, err := checkpoint.NewFileStore(checkpoint.DefaultFileStoreOptions(dir))
	require.NoError(t, err)
	sessStore, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	require.NoError(t, err)
	return &harness{
		dir:      dir,
		runner:   subprocesstest.New(),
		store:    store,
		sessions: session.NewManager(sessStore, session.ManagerOptions{}),
	}
}

func (h *harness) executor(t *testing.T, wf *Workflow, mutate ...func(*ExecutorOptions)) *Executor {
	t.Helper()
	opts := ExecutorOptions{
		Workflow:   wf,
		Runner:     h.runner,
		Store:      h.store,
		Sessions:   h.sessions,
		Dir:        h.dir,
		WorkflowID: "wf-test",
		Sleep:      func(context.Context, time.Duration) error { return nil },
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	e, err := NewExecutor(opts)
	require.NoError(t, err)
	return e
}

func mustLoad(t *testing.T, yaml string) *Workflow {
	t.Helper()
	wf, err := LoadString(yaml)
	require.NoError(t, err)
	return wf
}

func completedIndices(cp *state.Checkpoint) []int {
	out := make([]int, len(cp.CompletedSteps))
	for i, s := range cp.CompletedSteps {
		out[i] = s.StepIndex
	}
	return out
}

func TestRunCheckpointsEveryStep(t *testing.T) {
	h := newHarness(t)
	h.runner.On("echo hello", subprocesstest.OK("hello\n"))
	wf := mustLoad(t, `
- shell: "echo hello"
- shell: "echo ${step.output} world"
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Len(t, res.Steps, 2)
	require.Equal(t, 1, h.runner.CallCount("echo hello world"))

	cp, err := h.store.Load(context.Background(), "wf-test")
	require.NoError(t, err)
	require.Equal(t, 2, cp.Version)
	require.Equal(t, state.StatusCompleted, cp.Execution.Status)
	require.Equal(t, []int{0, 1}, completedIndices(cp))
	require.Equal(t, "hello", cp.CompletedSteps[0].CapturedVariables["step.output"].Render())
	require.Equal(t, wf.Hash(), cp.WorkflowHash)

	sess, err := h.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.Equal(t, 2, sess.Progress.StepsCompleted)
	require.NotNil(t, sess.Checkpoint)
	require.Equal(t, 2, sess.Checkpoint.Version)
}

// interruptingStore cancels the run right after its nth successful save,
// the way a killed process leaves its last checkpoint behind.
type interruptingStore struct {
	checkpoint.Store
	cancel context.CancelFunc
	after  int

	mu    sync.Mutex
	saves int
}

func (s *interruptingStore) Save(ctx context.Context, cp *state.Checkpoint) error {
	if err := s.Store.Save(ctx, cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saves == s.after {
		s.cancel()
	}
	return nil
}

func TestResumeAfterInterruption(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, `
- shell: "step one"
  capture: first
- shell: "step two ${first}"
- shell: "step three"
`)
	h.runner.On("step one", subprocesstest.OK("alpha"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted := &interruptingStore{Store: h.store, cancel: cancel, after: 1}
	_, err := h.executor(t, wf, func(o *ExecutorOptions) { o.Store = interrupted }).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, h.runner.CallCount("step one"))
	require.Zero(t, h.runner.CallCount("step two alpha"))

	cp, err := h.store.Load(context.Background(), "wf-test")
	require.NoError(t, err)
	require.Equal(t, state.StatusPaused, cp.Execution.Status)
	require.Equal(t, []int{0}, completedIndices(cp))

	res, err := h.executor(t, wf).Resume(context.Background(), DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, 1, h.runner.CallCount("step one"), "completed steps never re-run")
	require.Equal(t, 1, h.runner.CallCount("step two alpha"), "captured variables survive resume")
	require.Equal(t, 1, h.runner.CallCount("step three"))
	require.Equal(t, []int{0, 1, 2}, completedIndices(res.Checkpoint))
}

func TestResumeRefusesChangedWorkflow(t *testing.T) {
	h := newHarness(t)
	h.runner.On("break", subprocesstest.Fail(1, "boom"))
	original := mustLoad(t, "- shell: \"break\"\n- shell: \"after\"\n")
	_, err := h.executor(t, original).Run(context.Background())
	require.True(t, errdefs.Is(err, errdefs.KindWorkflow), "got %v", err)

	edited := mustLoad(t, "- shell: \"fixed\"\n- shell: \"after\"\n")
	_, err = h.executor(t, edited).Resume(context.Background(), DefaultResumeOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "changed since checkpoint")

	opts := DefaultResumeOptions()
	opts.Force = true
	res, err := h.executor(t, edited).Resume(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.Equal(t, 1, h.runner.CallCount("fixed"))
}

func TestResumeCompletedWorkflow(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, "- shell: \"only\"\n")
	_, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)

	_, err = h.executor(t, wf).Resume(context.Background(), DefaultResumeOptions())
	require.Error(t, err)
	require.Contains(t, err.Error(), "already completed")

	opts := DefaultResumeOptions()
	opts.FromStep = 0
	_, err = h.executor(t, wf).Resume(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 2, h.runner.CallCount("only"))

	opts.FromStep = 5
	_, err = h.executor(t, wf).Resume(context.Background(), opts)
	require.True(t, errdefs.Is(err, errdefs.KindValidation), "got %v", err)
}

func TestRetryBacksOffExponentially(t *testing.T) {
	h := newHarness(t)
	h.runner.On("flaky",
		subprocesstest.Fail(1, "upstream overloaded"),
		subprocesstest.Fail(1, "upstream overloaded"),
		subprocesstest.OK("done"))
	wf := mustLoad(t, `
- shell: "flaky"
  retry:
    attempts: 3
    backoff: exponential
    initial_delay: 1s
`)
	var mu sync.Mutex
	var delays []time.Duration
	e := h.executor(t, wf, func(o *ExecutorOptions) {
		o.Sleep = func(_ context.Context, d time.Duration) error {
			mu.Lock()
			defer mu.Unlock()
			delays = append(delays, d)
			return nil
		}
	})
	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	require.Equal(t, 3, h.runner.CallCount("flaky"))

	step := res.Steps[0]
	require.NotNil(t, step.Retry)
	require.Equal(t, 3, step.Retry.AttemptCount)
	require.Equal(t, retry.CircuitClosed, e.retries.Breaker("step-0").Status())

	cp, err := h.store.Load(context.Background(), "wf-test")
	require.NoError(t, err)
	require.NotNil(t, cp.CompletedSteps[0].RetryState)
}

func TestValidationRunsOnIncompleteUntilComplete(t *testing.T) {
	h := newHarness(t)
	h.runner.On("check", subprocesstest.OK("completion: 50"), subprocesstest.OK("completion: 100"))
	wf := mustLoad(t, `
- shell: "implement"
  validate:
    shell: "check"
    threshold: 100
    on_incomplete:
      shell: "improve ${validation.completion}"
      max_attempts: 2
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Steps[0].Success)
	require.Equal(t, 1, h.runner.CallCount("implement"))
	require.Equal(t, 2, h.runner.CallCount("check"))
	require.Equal(t, 1, h.runner.CallCount("improve 50"))

	v, ok := res.Variables.Captured("validation.completion")
	require.True(t, ok)
	require.Equal(t, "100", v.Render())
}

func TestValidationFailsWhenAttemptsRunOut(t *testing.T) {
	h := newHarness(t)
	h.runner.On("check", subprocesstest.OK(`{"completion_percentage": 40, "missing": ["tests"]}`))
	wf := mustLoad(t, `
- shell: "implement"
  validate:
    shell: "check"
    threshold: 90
    on_incomplete:
      shell: "improve"
      max_attempts: 2
`)
	_, err := h.executor(t, wf).Run(context.Background())
	require.True(t, errdefs.Is(err, errdefs.KindWorkflow), "got %v", err)
	require.Contains(t, err.Error(), "validation incomplete")
	require.Equal(t, 2, h.runner.CallCount("improve"))
	require.Equal(t, 3, h.runner.CallCount("check"))
}

func TestOnFailureRecoversAndContinues(t *testing.T) {
	h := newHarness(t)
	h.runner.On("lint", subprocesstest.Fail(2, "lint errors"))
	wf := mustLoad(t, `
- shell: "lint"
  on_failure: "fix ${error.exit_code}"
- shell: "build"
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, state.StatusCompleted, res.Status)
	require.False(t, res.Steps[0].Success)
	require.True(t, res.Steps[0].Recovered)
	require.Equal(t, 1, h.runner.CallCount("fix 2"))
	require.Equal(t, 1, h.runner.CallCount("build"))
	require.Equal(t, 1, res.Checkpoint.ErrorRecovery.HandlerCounts["0"])
}

func TestOnFailureRetriesStepAfterHandler(t *testing.T) {
	h := newHarness(t)
	h.runner.On("test", subprocesstest.Fail(1, "FAIL"), subprocesstest.OK("ok"))
	wf := mustLoad(t, `
- shell: "test"
  on_failure:
    claude: "/fix"
    max_attempts: 3
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Steps[0].Success)
	require.True(t, res.Steps[0].Recovered)
	require.Equal(t, 2, h.runner.CallCount("test"))
	require.Equal(t, 1, h.runner.CallCount("/fix"))
}

func TestStepFailureHaltsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.runner.On("deploy", subprocesstest.Fail(3, "denied"))
	wf := mustLoad(t, `
- shell: "deploy"
  on_exit_code:
    3: "notify"
- shell: "never"
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.Error(t, err)
	require.Equal(t, errdefs.ExitWorkflow, errdefs.ExitCode(err))
	require.Equal(t, state.StatusFailed, res.Status)
	require.Equal(t, 1, h.runner.CallCount("notify"))
	require.Zero(t, h.runner.CallCount("never"))

	cp, err := h.store.Load(context.Background(), "wf-test")
	require.NoError(t, err)
	require.Equal(t, state.StatusFailed, cp.Execution.Status)
	require.Equal(t, 0, cp.ErrorRecovery.LastErrorStep)
	require.Empty(t, cp.CompletedSteps)

	sess, err := h.sessions.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	require.Equal(t, session.StatusFailed, sess.Status)
	require.NotNil(t, sess.Error)
}

func TestFailWorkflowFalseContinues(t *testing.T) {
	h := newHarness(t)
	h.runner.On("optional", subprocesstest.Fail(1, "nope"))
	wf := mustLoad(t, `
- shell: "optional"
  on_failure:
    shell: "cleanup"
    fail_workflow: false
    max_attempts: 2
- shell: "next"
`)
	h.runner.On("cleanup", subprocesstest.Fail(1, "still broken"))
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Steps[0].Success)
	require.Equal(t, 2, h.runner.CallCount("cleanup"))
	require.Equal(t, 1, h.runner.CallCount("next"))
}

func TestWhenGuardSkipsStep(t *testing.T) {
	h := newHarness(t)
	h.runner.On("detect", subprocesstest.OK("no"))
	wf := mustLoad(t, `
- shell: "detect"
  capture: changed
- shell: "rebuild"
  when: "changed == 'yes'"
- shell: "report"
  when: "changed == 'no'"
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Steps[1].Skipped)
	require.Zero(t, h.runner.CallCount("rebuild"))
	require.Equal(t, 1, h.runner.CallCount("report"))
	require.True(t, res.Checkpoint.CompletedSteps[1].Skipped)
}

func TestWhenGuardLooksUpPlaceholders(t *testing.T) {
	h := newHarness(t)
	h.runner.On("detect", subprocesstest.OK("x' || true || 'y"))
	h.runner.On("describe", subprocesstest.OK("it's done now"))
	wf := mustLoad(t, `
- shell: "detect"
  capture: changed
- shell: "describe"
  capture: status
- shell: "rebuild"
  when: "${changed} == 'yes'"
- shell: "announce"
  when: "${status} == \"it's done now\""
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Steps[2].Skipped, "a captured value must not rewrite the guard")
	require.Zero(t, h.runner.CallCount("rebuild"))
	require.False(t, res.Steps[3].Skipped)
	require.Equal(t, 1, h.runner.CallCount("announce"))
}

func TestWhenSource(t *testing.T) {
	src, err := whenSource("${item.score} > 5 && ${map.results[0].item_id} == 'a'")
	require.NoError(t, err)
	require.Equal(t, "item.score > 5 && map.results[0].item_id == 'a'", src)

	_, err = whenSource("${files:json} == '[]'")
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.KindConfig))
}

func TestTestCommandExpectedExitCode(t *testing.T) {
	h := newHarness(t)
	h.runner.On("check-missing", subprocesstest.Fail(3, ""))
	wf := mustLoad(t, `
- test:
    command: "check-missing"
    expected_exit_code: 3
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Steps[0].Success)
}

func TestGoalSeekStopsAtThreshold(t *testing.T) {
	h := newHarness(t)
	h.runner.On("score", subprocesstest.OK("40"), subprocesstest.OK("95"))
	wf := mustLoad(t, `
- goal_seek:
    goal: "raise coverage"
    shell: "improve"
    validate: "score"
    threshold: 90
    max_attempts: 4
`)
	res, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, h.runner.CallCount("improve"))
	v, ok := res.Variables.Captured("goal_seek.score")
	require.True(t, ok)
	require.Equal(t, "95", v.Render())
}

func TestForeachRunsItemsInParallel(t *testing.T) {
	h := newHarness(t)
	h.runner.WithDelay(20 * time.Millisecond)
	wf := mustLoad(t, `
- foreach:
    input: ["a", "b", "c", "d"]
    parallel: 2
    do:
      - shell: "lint ${item} ${index}"
- shell: "summary ${foreach.succeeded}/${foreach.total}"
`)
	_, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	for i, item := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, 1, h.runner.CallCount("lint "+item+" "+strconv.Itoa(i)))
	}
	require.LessOrEqual(t, h.runner.MaxConcurrent(), 2)
	require.Equal(t, 1, h.runner.CallCount("summary 4/4"))
}

func TestForeachReadsItemsFromCommand(t *testing.T) {
	h := newHarness(t)
	h.runner.On("ls *.go", subprocesstest.OK("a.go\n\nb.go\n"))
	wf := mustLoad(t, `
- foreach:
    input: "ls *.go"
    do:
      - shell: "gofmt -l ${item}"
`)
	_, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.runner.CallCount("gofmt -l a.go"))
	require.Equal(t, 1, h.runner.CallCount("gofmt -l b.go"))
}

func TestWriteFileFormatsJSON(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, `
- shell: "version"
  capture: version
- write_file:
    path: out/release.json
    content: '{"version": "${version}"}'
    format: json
    mode: "0600"
    create_dirs: true
`)
	h.runner.On("version", subprocesstest.OK("1.2.3\n"))
	_, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(h.dir, "out", "release.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"version": "1.2.3"}`, string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestHandlerStepPublishesData(t *testing.T) {
	h := newHarness(t)
	var got map[string]any
	notify := NewHandlerFunc("notify", func(ctx context.Context, hc HandlerContext, attrs map[string]any) (HandlerResult, error) {
		got = attrs
		return HandlerResult{Success: true, Output: "sent", Data: map[string]any{"channel": "ops"}}, nil
	})
	wf := mustLoad(t, `
env:
  TEAM: platform
commands:
  - handler:
      name: notify
      attributes:
        message: "hello ${TEAM}"
  - shell: "echo ${handler.channel}"
`)
	_, err := h.executor(t, wf, func(o *ExecutorOptions) { o.Handlers = []Handler{notify} }).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello platform", got["message"])
	require.Equal(t, 1, h.runner.CallCount("echo ops"))
}

func TestHandlerContextCarriesStepScope(t *testing.T) {
	h := newHarness(t)
	var (
		gotVar    string
		gotLogger bool
		gotAgent  bool
	)
	inspect := NewHandlerFunc("inspect", func(ctx context.Context, hc HandlerContext, attrs map[string]any) (HandlerResult, error) {
		if store, ok := GetVariablesFromContext(ctx); ok {
			gotVar, _ = store.Get("TEAM")
		}
		_, gotLogger = GetLoggerFromContext(ctx)
		_, gotAgent = GetAgentFromContext(ctx)
		return HandlerResult{Success: true}, nil
	})
	wf := mustLoad(t, `
env:
  TEAM: platform
commands:
  - handler: {name: inspect}
`)
	_, err := h.executor(t, wf, func(o *ExecutorOptions) { o.Handlers = []Handler{inspect} }).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, "platform", gotVar)
	require.True(t, gotLogger)
	require.False(t, gotAgent, "sequential steps do not run inside an agent")
}

func TestUnknownHandlerFails(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, "- handler: {name: missing}\n")
	_, err := h.executor(t, wf).Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown handler")
}

func TestIterationsRepeatCommands(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, `
max_iterations: 3
commands:
  - shell: "pass ${workflow.iteration}"
`)
	_, err := h.executor(t, wf).Run(context.Background())
	require.NoError(t, err)
	for _, n := range []string{"1", "2", "3"} {
		require.Equal(t, 1, h.runner.CallCount("pass "+n))
	}
}

type recordingCallbacks struct {
	BaseCallbacks
	mu     sync.Mutex
	events []string
}

func (c *recordingCallbacks) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, s)
}

func (c *recordingCallbacks) BeforeWorkflow(ctx context.Context, e *WorkflowEvent) {
	c.add("before:" + e.WorkflowName)
}

func (c *recordingCallbacks) AfterWorkflow(ctx context.Context, e *WorkflowEvent) {
	c.add("after")
}

func (c *recordingCallbacks) BeforeStep(ctx context.Context, e *StepEvent) {
	c.add("step:" + e.StepName)
}

func TestCallbacksObserveExecution(t *testing.T) {
	h := newHarness(t)
	cb := &recordingCallbacks{}
	wf := mustLoad(t, `
name: observed
commands:
  - name: first
    shell: "a"
  - name: second
    shell: "b"
`)
	_, err := h.executor(t, wf, func(o *ExecutorOptions) { o.Callbacks = cb }).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"before:observed", "step:first", "step:second", "after"}, cb.events)
}

func TestNewExecutorRejectsMapReduce(t *testing.T) {
	wf := mustLoad(t, `
mapreduce:
  map:
    input: items.json
    agent_template: ["fix"]
`)
	_, err := NewExecutor(ExecutorOptions{Workflow: wf, Runner: subprocesstest.New()})
	require.True(t, errdefs.Is(err, errdefs.KindConfig))
}

func TestCheckpointWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t)
	wf := mustLoad(t, "- shell: \"a\"\n- shell: \"b\"\n")
	_, err := h.executor(t, wf, func(o *ExecutorOptions) { o.Store = failingStore{checkpoint.NewNullStore()} }).Run(context.Background())
	require.True(t, errdefs.Is(err, errdefs.KindStorage), "got %v", err)
	require.Zero(t, h.runner.CallCount("b"))
}

type failingStore struct {
	*checkpoint.NullStore
}

func (failingStore) Save(context.Context, *state.Checkpoint) error {
	return errors.New("disk full")
}
