package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

// scope names the instrumentation scope for every meter and tracer this
// runtime creates.
const scope = "github.com/dataflowrt/core"

// ClueLogger emits through goa.design/clue/log, which reads its format
// and debug settings from the request context (log.Context plus
// log.WithFormat/log.WithDebug/log.WithOutput).
type ClueLogger struct{}

// NewClueLogger constructs a Logger backed by clue/log.
func NewClueLogger() Logger { return ClueLogger{} }

func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fields(msg, keyvals)...)
}

func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fields(msg, keyvals)...)
}

func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fields(msg, keyvals)...)
}

func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, fields(msg, keyvals)...)
}

// fields pairs the message with the variadic key/values. Non-string keys
// are stringified rather than dropped; a trailing unpaired value is kept
// under "extra" so nothing a call site passed disappears silently.
func fields(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	i := 0
	for ; i+1 < len(keyvals); i += 2 {
		fs = append(fs, log.KV{K: fmt.Sprint(keyvals[i]), V: keyvals[i+1]})
	}
	if i < len(keyvals) {
		fs = append(fs, log.KV{K: "extra", V: keyvals[i]})
	}
	return fs
}

// ClueMetrics holds the runtime's instruments, created once against the
// global OTEL MeterProvider (configure it before construction, typically
// via clue.ConfigureOpenTelemetry). Declaring them here keeps the
// exported metric names and units in exactly one place.
type ClueMetrics struct {
	pathEntries  metric.Int64Gauge
	pathTimeouts metric.Int64Counter
	routed       metric.Int64Counter
	graphStart   metric.Float64Histogram
	graphStop    metric.Float64Histogram
	migrations   metric.Int64Counter
}

// NewClueMetrics creates the runtime's instruments on the global meter.
func NewClueMetrics() (Metrics, error) {
	meter := otel.Meter(scope)
	var (
		m   ClueMetrics
		err error
	)
	if m.pathEntries, err = meter.Int64Gauge("dataflowrt.path_table.entries",
		metric.WithDescription("Outstanding path-table entries")); err != nil {
		return nil, err
	}
	if m.pathTimeouts, err = meter.Int64Counter("dataflowrt.path_table.timeouts",
		metric.WithDescription("Path entries expired by the timeout sweep")); err != nil {
		return nil, err
	}
	if m.routed, err = meter.Int64Counter("dataflowrt.messages.routed",
		metric.WithDescription("Messages accepted by the routing algorithm")); err != nil {
		return nil, err
	}
	if m.graphStart, err = meter.Float64Histogram("dataflowrt.graph.start.seconds",
		metric.WithUnit("s"),
		metric.WithDescription("start_graph latency including remote fan-out")); err != nil {
		return nil, err
	}
	if m.graphStop, err = meter.Float64Histogram("dataflowrt.graph.stop.seconds",
		metric.WithUnit("s"),
		metric.WithDescription("stop_graph latency until the engine exited")); err != nil {
		return nil, err
	}
	if m.migrations, err = meter.Int64Counter("dataflowrt.connection.migrations",
		metric.WithDescription("Inbound-connection migration attempts by outcome")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *ClueMetrics) PathEntries(ctx context.Context, n int) {
	m.pathEntries.Record(ctx, int64(n))
}

func (m *ClueMetrics) PathTimeout(ctx context.Context) {
	m.pathTimeouts.Add(ctx, 1)
}

func (m *ClueMetrics) MessageRouted(ctx context.Context, kind string) {
	m.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *ClueMetrics) GraphStarted(ctx context.Context, d time.Duration) {
	m.graphStart.Record(ctx, d.Seconds())
}

func (m *ClueMetrics) GraphStopped(ctx context.Context, d time.Duration) {
	m.graphStop.Record(ctx, d.Seconds())
}

func (m *ClueMetrics) ConnectionMigrated(ctx context.Context, outcome string) {
	m.migrations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ClueTracer creates spans on the global OTEL TracerProvider.
type ClueTracer struct {
	tracer trace.Tracer
}

// NewClueTracer constructs a Tracer backed by the global TracerProvider.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(scope)}
}

func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, name, opts...)
	return ctx, otelSpan{span}
}

func (t *ClueTracer) Span(ctx context.Context) Span {
	return otelSpan{trace.SpanFromContext(ctx)}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s otelSpan) AddEvent(name string, attrs ...any) {
	kvs := make([]attribute.KeyValue, 0, len(attrs)/2)
	for i := 0; i+1 < len(attrs); i += 2 {
		k, ok := attrs[i].(string)
		if !ok {
			continue
		}
		kvs = append(kvs, attribute.String(k, fmt.Sprint(attrs[i+1])))
	}
	s.span.AddEvent(name, trace.WithAttributes(kvs...))
}

func (s otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}
