// Package kit holds the request-scoped context values shared by the HTTP
// surface and the packages it calls into.
package kit

import "context"

type contextKey string

const (
	TraceIDKey  contextKey = "kit_trace_id"
	WindowIDKey contextKey = "kit_window_id"
	EventKey    contextKey = "kit_event"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// WithWindowID records which application window originated the call.
func WithWindowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WindowIDKey, id)
}
func GetWindowID(ctx context.Context) string {
	v, _ := ctx.Value(WindowIDKey).(string)
	return v
}

// WithEvent tags the context with the agent event kind being handled
// ("install", "intercept", "push", ...).
func WithEvent(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, EventKey, kind)
}
func GetEvent(ctx context.Context) string {
	v, _ := ctx.Value(EventKey).(string)
	return v
}
