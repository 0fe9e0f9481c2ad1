package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	Component string // e.g. "thingdb.syncer"
	Table     string // sync stream or table name
	NS        string // Thing namespace
	ActionID  string
	Cycle     *int64 // sync cycle number
}

// WithLogFields merges fields into ctx; newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields stored in ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing
	if new.Component != "" {
		result.Component = new.Component
	}
	if new.Table != "" {
		result.Table = new.Table
	}
	if new.NS != "" {
		result.NS = new.NS
	}
	if new.ActionID != "" {
		result.ActionID = new.ActionID
	}
	if new.Cycle != nil {
		result.Cycle = new.Cycle
	}
	return result
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
