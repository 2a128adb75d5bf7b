package services

import "context"

type contextKey string

const (
	itemIDKey    contextKey = "item_id"
	taskIDKey    contextKey = "task_id"
	phaseKey     contextKey = "phase"
	kindKey      contextKey = "task_kind"
	requestIDKey contextKey = "request_id"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithItemID annotates context with the content item identifier.
func WithItemID(ctx context.Context, id string) context.Context {
	return withString(ctx, itemIDKey, id)
}

// ItemIDFromContext extracts the content item identifier if present.
func ItemIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, itemIDKey)
}

// WithTaskID annotates context with the task identifier.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withString(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task identifier if present.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, taskIDKey)
}

// WithPhase annotates context with the processing phase name.
func WithPhase(ctx context.Context, phase string) context.Context {
	return withString(ctx, phaseKey, phase)
}

// PhaseFromContext returns the phase name if present.
func PhaseFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, phaseKey)
}

// WithTaskKind annotates context with the task kind (network, inference, ...).
func WithTaskKind(ctx context.Context, kind string) context.Context {
	return withString(ctx, kindKey, kind)
}

// TaskKindFromContext returns the task kind if present.
func TaskKindFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, kindKey)
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}
