package forge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/deepnoodle-ai/forge/subprocess"
)

// Handler is a named action a workflow can invoke with a handler step.
type Handler interface {

	// Name returns the name steps refer to the handler by
	Name() string

	// Execute runs the handler with interpolated attributes
	Execute(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error)
}

// HandlerContext is the environment a handler runs in.
type HandlerContext struct {
	Dir     string
	Env     map[string]string
	Timeout time.Duration
	Runner  subprocess.Runner
	Logger  *slog.Logger
}

// HandlerResult is the outcome of a handler invocation.
type HandlerResult struct {
	Output  string
	Success bool
	Data    map[string]any
}

// HandlerRegistry maps handler names to handlers.
type HandlerRegistry map[string]Handler

// NewHandlerRegistry returns a registry holding the built-in shell,
// write_file and log handlers plus any extra handlers, which replace
// built-ins of the same name.
func NewHandlerRegistry(extra ...Handler) HandlerRegistry {
	r := HandlerRegistry{}
	for _, h := range []Handler{shellHandler{}, writeFileHandler{}, logHandler{}} {
		r[h.Name()] = h
	}
	for _, h := range extra {
		r[h.Name()] = h
	}
	return r
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	name string
	fn   func(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error)
}

// NewHandlerFunc returns a Handler for the given function.
func NewHandlerFunc(name string, fn func(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error)) *HandlerFunc {
	return &HandlerFunc{name: name, fn: fn}
}

func (h *HandlerFunc) Name() string {
	return h.name
}

func (h *HandlerFunc) Execute(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error) {
	return h.fn(ctx, hc, attributes)
}

func stringAttr(attributes map[string]any, name string) (string, bool) {
	v, ok := attributes[name]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

type shellHandler struct{}

func (shellHandler) Name() string { return "shell" }

func (shellHandler) Execute(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error) {
	command, ok := stringAttr(attributes, "command")
	if !ok || command == "" {
		return HandlerResult{}, fmt.Errorf("shell handler requires a command attribute")
	}
	res, err := hc.Runner.RunShell(ctx, subprocess.ShellRequest{Command: command, Dir: hc.Dir, Env: hc.Env, Timeout: hc.Timeout})
	if err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{
		Output:  res.Stdout,
		Success: res.Success,
		Data:    map[string]any{"exit_code": res.Code(), "stderr": res.Stderr},
	}, nil
}

type writeFileHandler struct{}

func (writeFileHandler) Name() string { return "write_file" }

func (writeFileHandler) Execute(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error) {
	path, ok := stringAttr(attributes, "path")
	if !ok || path == "" {
		return HandlerResult{}, fmt.Errorf("write_file handler requires a path attribute")
	}
	content, _ := stringAttr(attributes, "content")
	if !filepath.IsAbs(path) {
		path = filepath.Join(hc.Dir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return HandlerResult{}, err
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return HandlerResult{}, err
	}
	return HandlerResult{Output: path, Success: true}, nil
}

type logHandler struct{}

func (logHandler) Name() string { return "log" }

func (logHandler) Execute(ctx context.Context, hc HandlerContext, attributes map[string]any) (HandlerResult, error) {
	message, _ := stringAttr(attributes, "message")
	level := slog.LevelInfo
	if name, ok := stringAttr(attributes, "level"); ok {
		if err := level.UnmarshalText([]byte(name)); err != nil {
			return HandlerResult{}, fmt.Errorf("log handler: %w", err)
		}
	}
	hc.Logger.Log(ctx, level, message)
	return HandlerResult{Output: message, Success: true}, nil
}
