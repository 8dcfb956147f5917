// Package tracer is a lightweight tracing abstraction so the retention sweep
// and other long-running paths can emit spans without coupling the engine
// packages to OpenTelemetry APIs.
package tracer

import (
	"context"
	"time"
)

// Span represents an active trace span.
type Span interface {
	// End completes the span, recording any error that occurred. Must be
	// called exactly once, typically via defer.
	End(err error)

	// SetAttributes adds key-value pairs to the span.
	SetAttributes(attrs ...Attribute)

	// AddEvent records a timestamped event within the span.
	AddEvent(name string, attrs ...Attribute)
}

// Tracer creates spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute represents a key-value pair attached to spans.
type Attribute struct {
	Key   string
	Value any
}

// String creates a string attribute.
func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

// Bool creates a boolean attribute.
func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Int64 creates an int64 attribute.
func Int64(key string, value int64) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration creates a duration attribute in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}

// Span names used by the retention engine.
const (
	SpanSweep       = "retention.sweep"
	SpanPolicy      = "retention.policy"
	SpanConsentScan = "retention.consent_expiry"
)

// Attribute keys used by the retention engine.
const (
	AttrPolicyID   = "policy_id"
	AttrEntityType = "entity_type"
	AttrAction     = "action"
	AttrProcessed  = "records_processed"
	AttrSkipped    = "records_skipped"
	AttrFailed     = "records_failed"
)
