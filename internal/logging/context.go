package logging

import (
	"context"
	"log/slog"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldSessionID identifies the scan session a log line belongs to.
	FieldSessionID = "session_id"
	// FieldFrameIndex is the 0-based frame being captured.
	FieldFrameIndex = "frame_index"
	// FieldCorrelationID is the hardware command correlation identifier.
	FieldCorrelationID = "correlation_id"
	// FieldCommand names the hardware command being sent.
	FieldCommand = "command"
	// FieldEventType classifies notable log lines for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator-facing next step for a failure.
	FieldErrorHint = "error_hint"
	// FieldErrorKind carries the faults classification of an error.
	FieldErrorKind = "error_kind"
)

type contextKey string

const (
	sessionIDKey  contextKey = "session_id"
	frameIndexKey contextKey = "frame_index"
)

// WithSessionID returns a context tagged with the scan session identifier.
func WithSessionID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the scan session identifier if present.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

// WithFrameIndex returns a context tagged with the frame being captured.
func WithFrameIndex(ctx context.Context, index int) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, frameIndexKey, index)
}

// FrameIndexFromContext extracts the frame index if present.
func FrameIndexFromContext(ctx context.Context) (int, bool) {
	if ctx == nil {
		return 0, false
	}
	index, ok := ctx.Value(frameIndexKey).(int)
	return index, ok
}

// ContextFields extracts standardized slog attributes from the provided context.
func ContextFields(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	fields := make([]slog.Attr, 0, 2)
	if id, ok := SessionIDFromContext(ctx); ok {
		fields = append(fields, slog.String(FieldSessionID, id))
	}
	if index, ok := FrameIndexFromContext(ctx); ok {
		fields = append(fields, slog.Int(FieldFrameIndex, index))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(Args(fields...)...)
}
