// Package telemetry defines the logging and tracing seams used by the
// orchestrator runtime. The runtime never calls a logging library directly;
// it goes through these interfaces so services can plug in their own stack
// and tests can run silent. Production implementations backed by
// goa.design/clue/log and OpenTelemetry live in clue.go.
package telemetry

import (
	"context"
)

type (
	// Logger emits structured log records. Implementations must be safe for
	// concurrent use; the controller logs from the step loop goroutine while
	// stream flush timers may log from their own.
	Logger interface {
		// Debug emits a debug-level message with alternating key/value pairs.
		Debug(ctx context.Context, msg string, keyvals ...any)
		// Info emits an info-level message with alternating key/value pairs.
		Info(ctx context.Context, msg string, keyvals ...any)
		// Warn emits a warning-level message with alternating key/value pairs.
		Warn(ctx context.Context, msg string, keyvals ...any)
		// Error emits an error-level message. err may be nil.
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Tracer starts spans around session runs and individual steps.
	Tracer interface {
		// Start begins a span and returns the derived context and span handle.
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a minimal span handle: record an error, close it.
	Span interface {
		// RecordError attaches an error to the span and marks it failed.
		RecordError(err error)
		// SetAttribute records a key/value attribute on the span.
		SetAttribute(key string, value any)
		// End completes the span.
		End()
	}

	// NoopLogger discards all records.
	NoopLogger struct{}

	// NoopTracer produces spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// Debug implements Logger.
func (NoopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NoopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NoopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NoopLogger) Error(context.Context, error, string, ...any) {}

// Start implements Tracer.
func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) RecordError(error) {}

func (noopSpan) SetAttribute(string, any) {}

func (noopSpan) End() {}
