package subprocess

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell tests require a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunShell(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(ExecOptions{})
	ctx := context.Background()

	t.Run("captures stdout and exit code", func(t *testing.T) {
		result, err := runner.RunShell(ctx, ShellRequest{Command: "echo hello"})
		require.NoError(t, err)
		require.True(t, result.Success)
		require.Equal(t, 0, result.Code())
		require.Equal(t, "hello\n", result.Stdout)
	})

	t.Run("non-zero exit is a result not an error", func(t *testing.T) {
		result, err := runner.RunShell(ctx, ShellRequest{Command: "echo oops >&2; exit 3"})
		require.NoError(t, err)
		require.False(t, result.Success)
		require.Equal(t, 3, result.Code())
		require.Equal(t, "oops\n", result.Stderr)
	})

	t.Run("env overlay and working directory", func(t *testing.T) {
		dir := t.TempDir()
		result, err := runner.RunShell(ctx, ShellRequest{
			Command: "echo $FORGE_TEST_VALUE; pwd",
			Dir:     dir,
			Env:     map[string]string{"FORGE_TEST_VALUE": "overlay"},
		})
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
		require.Equal(t, "overlay", lines[0])
		resolved, _ := filepath.EvalSymlinks(dir)
		got, _ := filepath.EvalSymlinks(lines[1])
		require.Equal(t, resolved, got)
	})

	t.Run("empty command", func(t *testing.T) {
		_, err := runner.RunShell(ctx, ShellRequest{Command: "  "})
		require.Error(t, err)
	})
}

func TestRunShellTimeout(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(ExecOptions{GracePeriod: 100 * time.Millisecond})

	start := time.Now()
	result, err := runner.RunShell(context.Background(), ShellRequest{
		Command: "echo before; sleep 5; echo after",
		Timeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 4*time.Second)
	require.True(t, result.TimedOut)
	require.Equal(t, TimeoutExitCode, result.Code())
	require.Contains(t, result.Stderr, TimeoutSentinel)
	require.Contains(t, result.Stdout, "before")
	require.NotContains(t, result.Stdout, "after")
	require.Equal(t, Transient, Classify(result))
}

func TestRunShellLineCallback(t *testing.T) {
	requireShell(t)
	runner := NewExecRunner(ExecOptions{})

	var mu sync.Mutex
	var lines []string
	_, err := runner.RunShell(context.Background(), ShellRequest{
		Command: "printf 'a\\nb\\nc'",
		OnLine: func(stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, stream+":"+line)
		},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"stdout:a", "stdout:b", "stdout:c"}, lines)
}

func TestRunAssistantWritesStructuredLog(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	script := filepath.Join(dir, "assistant.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho '{\"type\":\"result\",\"prompt\":\"'\"$1\"'\"}'\n"), 0o755))

	runner := NewExecRunner(ExecOptions{
		AssistantBinary: script,
		AssistantArgs:   []string{},
		LogDir:          filepath.Join(dir, "logs"),
	})
	result, err := runner.RunAssistant(context.Background(), AssistantRequest{Prompt: "/fix-bug"})
	require.NoError(t, err)
	require.True(t, result.Success)
	require.NotEmpty(t, result.StructuredLogPath)

	data, err := os.ReadFile(result.StructuredLogPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "/fix-bug")
}

func TestAssistantAvailability(t *testing.T) {
	requireShell(t)
	ctx := context.Background()

	t.Run("present binary reports its version", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "assistant.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'assistant 2.1.0'\n"), 0o755))

		p, err := NewExecRunner(ExecOptions{AssistantBinary: script}).ProbeAssistant(ctx)
		require.NoError(t, err)
		require.True(t, p.Available)
		require.Equal(t, "assistant 2.1.0", p.Version)
		require.Equal(t, script, p.Path)
	})

	t.Run("missing binary is unavailable without error", func(t *testing.T) {
		p, err := NewExecRunner(ExecOptions{AssistantBinary: "forge-no-such-assistant"}).ProbeAssistant(ctx)
		require.NoError(t, err)
		require.False(t, p.Available)
		require.Empty(t, p.Path)
	})

	t.Run("failing version command is unavailable", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "broken.sh")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexit 2\n"), 0o755))

		p, err := NewExecRunner(ExecOptions{AssistantBinary: script}).ProbeAssistant(ctx)
		require.NoError(t, err)
		require.False(t, p.Available)
		require.Equal(t, script, p.Path)
	})
}

func TestClassify(t *testing.T) {
	one := 1
	cases := []struct {
		name   string
		stderr string
		want   Class
	}{
		{"http 500", "API error: 500 Internal Server Error", Transient},
		{"overloaded", "Error: Overloaded", Transient},
		{"rate limit", "rate limit exceeded, retry later", Transient},
		{"timeout", "request timeout", Transient},
		{"connection reset", "read: connection reset by peer", Transient},
		{"syntax error", "error: unexpected token", Permanent},
		{"empty", "", Permanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Classify(Result{Stderr: tc.stderr, ExitCode: &one}))
		})
	}
	require.Equal(t, Permanent, Classify(Result{Success: true, Stderr: "overloaded"}))
}

func TestCommandError(t *testing.T) {
	code := 2
	err := NewCommandError("shell", Result{Stderr: "overloaded\n", ExitCode: &code})
	require.True(t, err.IsRecoverable())
	require.Equal(t, "shell command failed with exit code 2: overloaded", err.Error())

	err = NewCommandError("shell", Result{Stdout: "line1\nlast", ExitCode: &code})
	require.False(t, err.IsRecoverable())
	require.Contains(t, err.Error(), "last")
}

func TestMergeEnv(t *testing.T) {
	env := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	require.Equal(t, []string{"A=1", "B=3", "C=4"}, env)
}
