// Package subprocesstest provides an in-memory subprocess.Runner for tests.
package subprocesstest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/subprocess"
)

// Call records one invocation made through the Fake.
type Call struct {
	Kind    string // "shell" or "assistant"
	Command string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// Handler computes the result for a call. Returning handled=false falls
// through to queued responses.
type Handler func(ctx context.Context, call Call) (result subprocess.Result, handled bool, err error)

// Fake is a concurrency-safe scripted Runner.
type Fake struct {
	mu        sync.Mutex
	calls     []Call
	queued    map[string][]subprocess.Result
	handler   Handler
	delay     time.Duration
	active    int
	maxActive int
	probe     subprocess.Probe
}

var _ subprocess.Runner = (*Fake)(nil)

// New returns a Fake where unscripted commands succeed with empty output.
func New() *Fake {
	return &Fake{
		queued: map[string][]subprocess.Result{},
		probe:  subprocess.Probe{Available: true, Version: "fake 1.0"},
	}
}

// On queues results for an exact command string. Once the queue drains to its
// last entry, that entry repeats.
func (f *Fake) On(command string, results ...subprocess.Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[command] = append(f.queued[command], results...)
	return f
}

// Handle installs a handler consulted before queued responses.
func (f *Fake) Handle(h Handler) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
	return f
}

// WithAssistant sets what ProbeAssistant reports.
func (f *Fake) WithAssistant(p subprocess.Probe) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probe = p
	return f
}

// WithDelay makes every call block for d, or until ctx is done.
func (f *Fake) WithDelay(d time.Duration) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
	return f
}

// Calls returns a copy of the recorded calls in invocation order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns how many calls ran the given command.
func (f *Fake) CallCount(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Command == command {
			n++
		}
	}
	return n
}

// CommandsContaining returns how many calls contained substr.
func (f *Fake) CommandsContaining(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c.Command, substr) {
			n++
		}
	}
	return n
}

// MaxConcurrent is the highest number of calls that were in flight at once.
func (f *Fake) MaxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

func (f *Fake) RunShell(ctx context.Context, req subprocess.ShellRequest) (subprocess.Result, error) {
	return f.invoke(ctx, Call{Kind: "shell", Command: req.Command, Dir: req.Dir, Env: req.Env, Timeout: req.Timeout})
}

func (f *Fake) RunAssistant(ctx context.Context, req subprocess.AssistantRequest) (subprocess.Result, error) {
	return f.invoke(ctx, Call{Kind: "assistant", Command: req.Prompt, Dir: req.Dir, Env: req.Env, Timeout: req.Timeout})
}

func (f *Fake) ProbeAssistant(ctx context.Context) (subprocess.Probe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probe, nil
}

func (f *Fake) invoke(ctx context.Context, call Call) (subprocess.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	handler := f.handler
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return subprocess.Result{ExitCode: code(subprocess.TimeoutExitCode)}, ctx.Err()
		}
	}
	if handler != nil {
		result, handled, err := handler(ctx, call)
		if handled {
			return result, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	queue := f.queued[call.Command]
	if len(queue) == 0 {
		return OK(""), nil
	}
	result := queue[0]
	if len(queue) > 1 {
		f.queued[call.Command] = queue[1:]
	}
	return result, nil
}

// OK is a successful result with the given stdout.
func OK(stdout string) subprocess.Result {
	return subprocess.Result{Stdout: stdout, ExitCode: code(0), Success: true}
}

// Fail is a failed result with the given exit code and stderr.
func Fail(exitCode int, stderr string) subprocess.Result {
	return subprocess.Result{Stderr: stderr, ExitCode: code(exitCode)}
}

func code(c int) *int {
	return &c
}
