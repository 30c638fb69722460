package logging

import (
	"context"
	"log/slog"
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	runIDKey
	projectKey
	componentKey
)

// WithSession returns a context carrying the session ID for logging.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithRun returns a context carrying the run ID for logging.
func WithRun(ctx context.Context, runID uint64) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// WithProject returns a context carrying the project path for logging.
func WithProject(ctx context.Context, projectPath string) context.Context {
	return context.WithValue(ctx, projectKey, projectPath)
}

// WithComponent returns a context carrying the component name for logging.
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// attrsFromContext extracts logging attributes from a context.
func attrsFromContext(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}

	var attrs []slog.Attr

	if v := ctx.Value(sessionIDKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			attrs = append(attrs, slog.String("session_id", s))
		}
	}
	if v := ctx.Value(runIDKey); v != nil {
		if id, ok := v.(uint64); ok {
			attrs = append(attrs, slog.Uint64("run_id", id))
		}
	}
	if v := ctx.Value(projectKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			attrs = append(attrs, slog.String("project", s))
		}
	}
	if v := ctx.Value(componentKey); v != nil {
		if s, ok := v.(string); ok && s != "" {
			attrs = append(attrs, slog.String("component", s))
		}
	}

	return attrs
}
