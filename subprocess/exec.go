package subprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultGracePeriod is how long a timed out process tree gets between the
// termination signal and the forced kill.
const DefaultGracePeriod = 2 * time.Second

// ExecOptions configures an ExecRunner.
type ExecOptions struct {
	// Shell used to interpret shell commands. Defaults to "sh".
	Shell string
	// AssistantBinary is the assistant CLI. Defaults to "claude".
	AssistantBinary string
	// AssistantArgs precede the prompt on the assistant command line.
	AssistantArgs []string
	// LogDir receives one JSONL file per assistant call. Empty disables it.
	LogDir      string
	GracePeriod time.Duration
	Logger      *slog.Logger
}

// ExecRunner runs commands as local child processes.
type ExecRunner struct {
	shell           string
	assistantBinary string
	assistantArgs   []string
	logDir          string
	gracePeriod     time.Duration
	logger          *slog.Logger
}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner(opts ExecOptions) *ExecRunner {
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.AssistantBinary == "" {
		opts.AssistantBinary = "claude"
	}
	if opts.AssistantArgs == nil {
		opts.AssistantArgs = []string{"--print", "--dangerously-skip-permissions"}
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ExecRunner{
		shell:           opts.Shell,
		assistantBinary: opts.AssistantBinary,
		assistantArgs:   append([]string(nil), opts.AssistantArgs...),
		logDir:          opts.LogDir,
		gracePeriod:     opts.GracePeriod,
		logger:          opts.Logger,
	}
}

type commandSpec struct {
	binary  string
	args    []string
	dir     string
	env     map[string]string
	timeout time.Duration
	onLine  func(stream, line string)
	logFile io.Writer
}

// RunShell runs req.Command through the configured shell.
func (r *ExecRunner) RunShell(ctx context.Context, req ShellRequest) (Result, error) {
	if strings.TrimSpace(req.Command) == "" {
		return Result{}, errors.New("shell command cannot be empty")
	}
	return r.run(ctx, commandSpec{
		binary:  r.shell,
		args:    []string{"-c", req.Command},
		dir:     req.Dir,
		env:     req.Env,
		timeout: req.Timeout,
		onLine:  req.OnLine,
	})
}

// RunAssistant invokes the assistant CLI with the prompt as its final argument.
func (r *ExecRunner) RunAssistant(ctx context.Context, req AssistantRequest) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("assistant prompt cannot be empty")
	}
	spec := commandSpec{
		binary:  r.assistantBinary,
		args:    append(append([]string(nil), r.assistantArgs...), req.Prompt),
		dir:     req.Dir,
		env:     req.Env,
		timeout: req.Timeout,
		onLine:  req.OnLine,
	}
	var logPath string
	if r.logDir != "" {
		if err := os.MkdirAll(r.logDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("failed to create assistant log directory: %w", err)
		}
		logPath = filepath.Join(r.logDir, fmt.Sprintf("%s-%s.jsonl", time.Now().UTC().Format("20060102T150405"), uuid.NewString()))
		f, err := os.Create(logPath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to create assistant log: %w", err)
		}
		defer f.Close()
		spec.logFile = f
	}
	result, err := r.run(ctx, spec)
	if err != nil {
		return result, err
	}
	result.StructuredLogPath = logPath
	return result, nil
}

// ProbeAssistant checks whether the assistant binary resolves on PATH and
// reports its version string.
func (r *ExecRunner) ProbeAssistant(ctx context.Context) (Probe, error) {
	path, err := exec.LookPath(r.assistantBinary)
	if err != nil {
		return Probe{Available: false}, nil
	}
	result, err := r.run(ctx, commandSpec{binary: path, args: []string{"--version"}, timeout: 10 * time.Second})
	if err != nil {
		return Probe{Available: false, Path: path}, err
	}
	return Probe{
		Available: result.Success,
		Version:   strings.TrimSpace(result.Stdout),
		Path:      path,
	}, nil
}

func (r *ExecRunner) run(ctx context.Context, spec commandSpec) (Result, error) {
	runCtx := ctx
	cancel := func() {}
	if spec.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.binary, spec.args...)
	if spec.dir != "" {
		cmd.Dir = spec.dir
	}
	if len(spec.env) > 0 {
		cmd.Env = mergeEnv(os.Environ(), spec.env)
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = r.gracePeriod

	var stdout, stderr bytes.Buffer
	stdoutTargets := []io.Writer{&stdout}
	if spec.logFile != nil {
		stdoutTargets = append(stdoutTargets, spec.logFile)
	}
	stdoutLines := newLineWriter(io.MultiWriter(stdoutTargets...), "stdout", spec.onLine)
	stderrLines := newLineWriter(&stderr, "stderr", spec.onLine)
	cmd.Stdout = stdoutLines
	cmd.Stderr = stderrLines

	started := time.Now()
	runErr := cmd.Run()
	stdoutLines.Flush()
	stderrLines.Flush()

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}

	if runErr == nil {
		result.ExitCode = exitCode(0)
		result.Success = true
		return result, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		result.TimedOut = true
		result.ExitCode = exitCode(TimeoutExitCode)
		result.Stderr = appendLine(result.Stderr, fmt.Sprintf("command %s after %s", TimeoutSentinel, spec.timeout))
		r.logger.Warn("command timed out", "binary", spec.binary, "timeout", spec.timeout)
		return result, nil
	}
	if ctx.Err() != nil {
		result.ExitCode = exitCode(TimeoutExitCode)
		return result, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitCode(exitErr.ExitCode())
		return result, nil
	}
	return result, fmt.Errorf("failed to start %s: %w", spec.binary, runErr)
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}

// mergeEnv overlays vars onto base, replacing existing keys. Output order is
// deterministic.
func mergeEnv(base []string, vars map[string]string) []string {
	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := vars[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

// lineWriter forwards bytes to target and reports each complete line.
type lineWriter struct {
	mu     sync.Mutex
	target io.Writer
	stream string
	onLine func(stream, line string)
	buffer []byte
}

func newLineWriter(target io.Writer, stream string, onLine func(stream, line string)) *lineWriter {
	return &lineWriter{target: target, stream: stream, onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.target.Write(p); err != nil {
		return 0, err
	}
	if w.onLine == nil {
		return len(p), nil
	}
	w.buffer = append(w.buffer, p...)
	for {
		i := bytes.IndexByte(w.buffer, '\n')
		if i < 0 {
			break
		}
		w.onLine(w.stream, strings.TrimRight(string(w.buffer[:i]), "\r"))
		w.buffer = w.buffer[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.onLine != nil && len(w.buffer) > 0 {
		w.onLine(w.stream, string(w.buffer))
	}
	w.buffer = nil
}
