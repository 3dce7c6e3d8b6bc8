// Package otel sets up the OpenTelemetry trace pipeline of a waitfor run.
package otel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "storefront-waitfor"

// Resource attribute keys identifying the run a span belongs to.
const (
	RunIDKey = attribute.Key("storefront.run_id")
	SuiteKey = attribute.Key("storefront.suite")
)

// ErrInvalidEndpoint is returned for an endpoint that is neither host:port
// nor an http(s) URL.
var ErrInvalidEndpoint = errors.New("invalid OTLP endpoint")

// TraceProvider is a tracer provider that must be shut down to flush spans.
type TraceProvider interface {
	trace.TracerProvider
	Shutdown(ctx context.Context) error
}

// Options configures the OTLP/HTTP exporter of a run.
type Options struct {
	// Endpoint is host:port, or an http(s) URL whose path replaces the
	// default /v1/traces. An http URL implies Insecure.
	Endpoint string
	Insecure bool

	RunID string
	Suite string

	// SampleRatio is the share of polls traced. Zero or less, or one and
	// more, traces every poll.
	SampleRatio float64
}

// NewTraceProvider returns a provider batching spans to the OTLP/HTTP
// endpoint of opts.
func NewTraceProvider(ctx context.Context, opts Options) (TraceProvider, error) {
	ep, err := parseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, err
	}

	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(ep.host)}
	if ep.path != "" {
		httpOpts = append(httpOpts, otlptracehttp.WithURLPath(ep.path))
	}
	if opts.Insecure || ep.insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(httpOpts...))
	if err != nil {
		return nil, fmt.Errorf("creating exporter for %q: %w", opts.Endpoint, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(newResource(opts)),
		sdktrace.WithSampler(newSampler(opts.SampleRatio)),
	), nil
}

func newResource(opts Options) *resource.Resource {
	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if opts.RunID != "" {
		attrs = append(attrs, RunIDKey.String(opts.RunID))
	}
	if opts.Suite != "" {
		attrs = append(attrs, SuiteKey.String(opts.Suite))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func newSampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

type endpoint struct {
	host     string
	path     string
	insecure bool
}

func parseEndpoint(s string) (endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return endpoint{}, fmt.Errorf("%w: empty", ErrInvalidEndpoint)
	}
	if !strings.Contains(s, "://") {
		return endpoint{host: s}, nil
	}

	u, err := url.Parse(s)
	if err != nil {
		return endpoint{}, fmt.Errorf("%w %q: %v", ErrInvalidEndpoint, s, err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return endpoint{}, fmt.Errorf("%w %q: want host:port or an http(s) URL", ErrInvalidEndpoint, s)
	}
	ep := endpoint{host: u.Host, insecure: u.Scheme == "http"}
	if p := strings.TrimRight(u.Path, "/"); p != "" {
		ep.path = p
	}
	return ep, nil
}

type noopProvider struct {
	trace.TracerProvider
}

// NewNoopTraceProvider returns a provider whose spans are discarded.
func NewNoopTraceProvider() TraceProvider {
	return noopProvider{TracerProvider: trace.NewNoopTracerProvider()}
}

func (noopProvider) Shutdown(context.Context) error { return nil }
