// Package subprocess runs shell commands and the AI coding assistant on behalf
// of the workflow engine. It enforces timeouts, terminates whole process
// trees, and classifies failures as transient or permanent.
package subprocess

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TimeoutExitCode is reported when a command was killed for exceeding its timeout.
const TimeoutExitCode = -1

// TimeoutSentinel is appended to stderr when a command times out.
const TimeoutSentinel = "timed out"

// Result is the outcome of one command invocation. A non-zero exit is not an
// error at the Runner level; it is reported here.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode *int          `json:"exit_code,omitempty"`
	Success  bool          `json:"success"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	// StructuredLogPath points at the assistant's JSON event log, if one was written.
	StructuredLogPath string `json:"structured_log_path,omitempty"`
}

// Code returns the exit code or -1 when none was recorded.
func (r Result) Code() int {
	if r.ExitCode == nil {
		return TimeoutExitCode
	}
	return *r.ExitCode
}

// Combined returns stdout followed by stderr.
func (r Result) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	default:
		return r.Stdout + "\n" + r.Stderr
	}
}

// ShellRequest describes a shell command invocation.
type ShellRequest struct {
	Command string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	// OnLine receives each complete output line as it is produced.
	OnLine func(stream, line string)
}

// AssistantRequest describes an assistant invocation.
type AssistantRequest struct {
	Prompt  string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	OnLine  func(stream, line string)
}

// Probe reports whether the assistant binary is available.
type Probe struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
}

// Runner is the gateway every command passes through. Implementations must be
// safe for concurrent use; calls share no mutable state.
type Runner interface {
	RunShell(ctx context.Context, req ShellRequest) (Result, error)
	RunAssistant(ctx context.Context, req AssistantRequest) (Result, error)
	ProbeAssistant(ctx context.Context) (Probe, error)
}

// CommandError reports a command that ran but did not succeed. It satisfies
// the retry package's recoverable-error contract through IsRecoverable.
type CommandError struct {
	Kind   string
	Result Result
	Class  Class
}

// NewCommandError classifies a failed result and wraps it as an error.
func NewCommandError(kind string, result Result) *CommandError {
	return &CommandError{Kind: kind, Result: result, Class: Classify(result)}
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Result.Stderr)
	if msg == "" {
		msg = lastLine(e.Result.Stdout)
	}
	if e.Result.TimedOut {
		return fmt.Sprintf("%s command timed out: %s", e.Kind, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s command failed with exit code %d", e.Kind, e.Result.Code())
	}
	return fmt.Sprintf("%s command failed with exit code %d: %s", e.Kind, e.Result.Code(), msg)
}

// IsRecoverable reports whether the failure is transient.
func (e *CommandError) IsRecoverable() bool {
	return e.Class == Transient
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func exitCode(code int) *int {
	return &code
}
