// Package telemetry provides the structured logging, metrics, and tracing
// facets every runtime component is constructed with. Implementations
// delegate to goa.design/clue and OpenTelemetry; the interfaces stay small
// so tests can supply lightweight stubs instead.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records the runtime's instrumentation points. The methods are
// typed to the events they measure rather than generic name/value pairs,
// so every instrument is declared in one place and call sites cannot
// drift on metric names or units.
type Metrics interface {
	// PathEntries reports the number of outstanding path-table entries
	// after an insert, completion, sweep, or shutdown flush.
	PathEntries(ctx context.Context, n int)
	// PathTimeout counts one path entry expired by the timeout sweep.
	PathTimeout(ctx context.Context)
	// MessageRouted counts one message accepted by the routing
	// algorithm, tagged with its kind.
	MessageRouted(ctx context.Context, kind string)
	// GraphStarted records how long a start_graph took end to end,
	// including remote fan-out.
	GraphStarted(ctx context.Context, d time.Duration)
	// GraphStopped records how long a stop_graph took, from the stop
	// signal until the engine exited.
	GraphStopped(ctx context.Context, d time.Duration)
	// ConnectionMigrated counts one inbound-connection migration
	// attempt, tagged with its outcome ("migrated", "graph_not_found",
	// "rejected").
	ConnectionMigrated(ctx context.Context, outcome string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span represents an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Bundle groups the three telemetry facets so components take one
// constructor argument instead of three.
type Bundle struct {
	Log     Logger
	Metrics Metrics
	Tracer  Tracer
}

// Noop returns a Bundle whose facets all discard their input, for tests and
// for components constructed before telemetry configuration is known.
func Noop() Bundle {
	return Bundle{Log: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}
