package forge

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/forge/variables"
)

// ContextKey namespaces values forge stores on a context.Context. Steps pass
// handlers and runners a context carrying the step logger, the scope's
// variable store and, inside MapReduce agents, the agent ID.
type ContextKey string

const (
	LoggerContextKey    ContextKey = "logger"
	VariablesContextKey ContextKey = "variables"
	AgentContextKey     ContextKey = "agent"
)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithVariables(ctx context.Context, store *variables.Store) context.Context {
	return context.WithValue(ctx, VariablesContextKey, store)
}

// WithAgent tags ctx with the ID of the MapReduce agent running in it.
func WithAgent(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentContextKey, agentID)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetVariablesFromContext(ctx context.Context) (*variables.Store, bool) {
	store, ok := ctx.Value(VariablesContextKey).(*variables.Store)
	return store, ok
}

func GetAgentFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(AgentContextKey).(string)
	return id, ok
}
