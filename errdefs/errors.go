// Package errdefs defines the tagged error taxonomy shared by every forge
// package, along with the process exit code each category maps to.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error into one of the engine's error categories.
type Kind string

const (
	KindConfig     Kind = "config"
	KindSession    Kind = "session"
	KindStorage    Kind = "storage"
	KindExecution  Kind = "execution"
	KindWorkflow   Kind = "workflow"
	KindGit        Kind = "git"
	KindValidation Kind = "validation"
)

// Process exit codes.
const (
	ExitSuccess    = 0
	ExitFailure    = 1
	ExitConfig     = 2
	ExitSession    = 3
	ExitStorage    = 4
	ExitExecution  = 5
	ExitWorkflow   = 6
	ExitGit        = 7
	ExitValidation = 8
)

var exitCodes = map[Kind]int{
	KindConfig:     ExitConfig,
	KindSession:    ExitSession,
	KindStorage:    ExitStorage,
	KindExecution:  ExitExecution,
	KindWorkflow:   ExitWorkflow,
	KindGit:        ExitGit,
	KindValidation: ExitValidation,
}

// Error is a structured error carrying its category. It supports Go's error
// wrapping patterns through Unwrap.
type Error struct {
	Kind Kind `json:"kind"`
	// Op names the operation that failed, e.g. "git worktree add" or "save checkpoint".
	Op string `json:"op,omitempty"`
	// Field is the path of the offending input for validation errors.
	Field string `json:"field,omitempty"`
	// CommandExitCode is the exit code of a failed subprocess, when known.
	CommandExitCode *int   `json:"command_exit_code,omitempty"`
	Message         string `json:"message"`
	Details         any    `json:"details,omitempty"`
	Err             error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" error")
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Field != "" {
		b.WriteString(" at ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	switch {
	case e.Message != "" && e.Err != nil:
		b.WriteString(e.Message)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code for the error's category.
func (e *Error) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return ExitFailure
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Op: op, Message: msg, Err: err}
}

// Config returns a configuration error: malformed workflow file, unknown step
// variant, invalid glob or regex.
func Config(format string, args ...any) *Error {
	return newError(KindConfig, "", nil, format, args...)
}

// WrapConfig wraps err as a configuration error.
func WrapConfig(err error, format string, args ...any) *Error {
	return newError(KindConfig, "", err, format, args...)
}

// Session returns a session lifecycle error.
func Session(op string, format string, args ...any) *Error {
	return newError(KindSession, op, nil, format, args...)
}

// Storage wraps an I/O, parse or lock failure.
func Storage(op string, err error) *Error {
	return newError(KindStorage, op, err, "")
}

// Execution returns a subprocess failure. A nil exitCode means the process
// never produced one (spawn failure or timeout).
func Execution(op string, exitCode *int, err error) *Error {
	e := newError(KindExecution, op, err, "")
	if exitCode != nil {
		code := *exitCode
		e.CommandExitCode = &code
		if err == nil {
			e.Message = fmt.Sprintf("command exited with code %d", code)
		}
	}
	return e
}

// Workflow returns a step failure that exhausted its handlers.
func Workflow(op string, err error, format string, args ...any) *Error {
	return newError(KindWorkflow, op, err, format, args...)
}

// Git wraps a failed git command, carrying the git operation name.
func Git(op string, err error) *Error {
	return newError(KindGit, op, err, "")
}

// Validation returns an invalid-input error for the given field path.
func Validation(field string, format string, args ...any) *Error {
	e := newError(KindValidation, "", nil, format, args...)
	e.Field = field
	return e
}

// FieldError is one entry of an accumulated validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (f FieldError) String() string {
	if f.Field == "" {
		return f.Message
	}
	return f.Field + ": " + f.Message
}

// ValidationList returns a single validation error carrying every field error
// so the caller can report all problems at once.
func ValidationList(op string, problems []FieldError) *Error {
	parts := make([]string, 0, len(problems))
	for _, p := range problems {
		parts = append(parts, p.String())
	}
	e := newError(KindValidation, op, nil, "%d validation errors: %s", len(problems), strings.Join(parts, "; "))
	e.Details = problems
	return e
}

// Problems returns the accumulated field errors of a ValidationList error.
func Problems(err error) []FieldError {
	var e *Error
	if !errors.As(err, &e) {
		return nil
	}
	problems, _ := e.Details.([]FieldError)
	return problems
}

// KindOf returns the category of err, or "" when err is untagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err is tagged with the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// ExitCode maps err to a process exit code. Untagged errors map to 1 and a
// nil error to 0.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.ExitCode()
	}
	return ExitFailure
}

// IsTimeout reports whether err stems from a deadline being exceeded.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timed out")
}
