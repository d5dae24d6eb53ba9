package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings so log queries stay stable.
const (
	// Jobs
	FieldJobID      = "job_id"
	FieldGUID       = "guid"
	FieldResourceID = "resource_id"
	FieldKind       = "kind"
	FieldState      = "state"
	FieldRetriable  = "retriable"

	// Agents
	FieldAgent     = "agent"
	FieldAgentType = "agent_type"
	FieldLoginID   = "login_id"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldInterval   = "interval"
	FieldThreshold  = "threshold"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount     = "count"
	FieldBatchSize = "batch_size"
	FieldCap       = "cap"
)

type contextKey string

const (
	jobIDKey     contextKey = "logger_job_id"
	guidKey      contextKey = "logger_guid"
	componentKey contextKey = "logger_component"
)

// WithJobID adds a data-source job id to the context for logging
func WithJobID(ctx context.Context, jobID int64) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithGUID adds an agent job correlation guid to the context for logging
func WithGUID(ctx context.Context, guid string) context.Context {
	return context.WithValue(ctx, guidKey, guid)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if jobID, ok := ctx.Value(jobIDKey).(int64); ok && jobID != 0 {
		fields = append(fields, FieldJobID, jobID)
	}
	if guid, ok := ctx.Value(guidKey).(string); ok && guid != "" {
		fields = append(fields, FieldGUID, guid)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// FromContext returns base enriched with the fields carried by ctx.
func FromContext(ctx context.Context, base *zap.SugaredLogger) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return base
	}
	return base.With(fields...)
}

// ComponentLogger returns a named child of the global logger.
//
//	d := dispatch.New(db, registry, cfg, logger.ComponentLogger("dispatcher"))
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
