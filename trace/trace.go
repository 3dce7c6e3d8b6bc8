// Package trace provides tracing instrumentation for condition polling.
package trace

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "k6.storefront"

// Tracer generates spans for polls and the page operations feeding them.
// Every span it starts carries the tracer metadata as attributes.
type Tracer struct {
	logger logrus.FieldLogger

	trace.Tracer

	metadata []attribute.KeyValue
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		logger:   logger,
		Tracer:   tp.Tracer(tracerName, options...),
		metadata: buildMetadataAttributes(metadata),
	}
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the hex trace ID of spanCtx, or an empty string when
// it has none.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TracePoll starts a span covering a single poll named name. If ctx already
// carries a span, the new span is its child. It is the caller's
// responsibility to end the returned span.
func (t *Tracer) TracePoll(
	ctx context.Context, name string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	spanName := "poll"
	opts = append(opts, trace.WithAttributes(attribute.String("poll.name", name)))
	sCtx, span := t.Start(ctx, spanName, opts...)

	traceID := GetTraceID(span.SpanContext())
	t.logger.Debugf("TracePoll: spanName: %q traceID: %q name: %q", spanName, traceID, name)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceAPICall starts a span for a call made to the browser or an API. On a
// nil Tracer it returns ctx and a NoopSpan. It is the caller's responsibility
// to end the returned span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if t == nil {
		return ctx, NoopSpan{}
	}
	sCtx, span := t.Start(ctx, spanName, opts...)

	traceID := GetTraceID(span.SpanContext())
	t.logger.Debugf("TraceAPICall: spanName: %q traceID: %q", spanName, traceID)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// EndAPICall records err on span, if any, and ends it.
func EndAPICall(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(metadata))
	for k := range metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	meta := make([]attribute.KeyValue, 0, len(metadata))
	for _, k := range keys {
		meta = append(meta, attribute.String(k, metadata[k]))
	}

	return meta
}

// NoopSpan represents a noop span.
type NoopSpan struct {
	trace.Span
}

// SpanContext returns a void span context.
func (NoopSpan) SpanContext() trace.SpanContext { return trace.SpanContext{} }

// IsRecording returns false.
func (NoopSpan) IsRecording() bool { return false }

// SetStatus is noop.
func (NoopSpan) SetStatus(codes.Code, string) {}

// SetAttributes is noop.
func (NoopSpan) SetAttributes(...attribute.KeyValue) {}

// End is noop.
func (NoopSpan) End(...trace.SpanEndOption) {}

// RecordError is noop.
func (NoopSpan) RecordError(error, ...trace.EventOption) {}

// AddEvent is noop.
func (NoopSpan) AddEvent(string, ...trace.EventOption) {}

// SetName is noop.
func (NoopSpan) SetName(string) {}

// TracerProvider returns a noop tracer provider.
func (NoopSpan) TracerProvider() trace.TracerProvider { return trace.NewNoopTracerProvider() }

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   logrus.FieldLogger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("SetStatus: spanName: %q traceID: %q code: %q description: %q", i.spanName, traceID, code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("End: spanName: %q traceID: %q", i.spanName, traceID)

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	traceID := GetTraceID(i.SpanContext())
	i.logger.Debugf("RecordError: spanName: %q traceID: %q err: %q", i.spanName, traceID, err)

	i.Span.RecordError(err, options...)
}
