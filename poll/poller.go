package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	k6metrics "go.k6.io/k6/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-storefront/k6ext"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/suite"
	"github.com/grafana/xk6-storefront/trace"
)

// Request describes one wait.
type Request struct {
	// Name identifies the wait in logs, spans and metrics.
	Name      string
	Predicate Predicate
	// Timeout bounds the wait. Zero or less means DefaultTimeout.
	Timeout time.Duration
	// Interval is the fixed delay between evaluations when Backoff is nil.
	// Zero or less means DefaultInterval.
	Interval time.Duration
	Backoff  Backoff
}

func (r Request) withDefaults() Request {
	if r.Timeout <= 0 {
		r.Timeout = DefaultTimeout
	}
	if r.Interval <= 0 {
		r.Interval = DefaultInterval
	}
	if r.Backoff == nil {
		r.Backoff = Constant(r.Interval)
	}
	return r
}

// Observer is notified of every finished poll.
type Observer func(Request, Outcome)

// Poller runs requests. The zero value is not usable, use New.
// A Poller holds no per-request state and is safe for concurrent use.
type Poller struct {
	logger    *log.Logger
	tracer    *trace.Tracer
	metrics   *k6ext.CustomMetrics
	samples   chan<- k6metrics.SampleContainer
	clock     Clock
	observers []Observer
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the poller logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithTracer makes the poller start a span per request.
func WithTracer(t *trace.Tracer) Option {
	return func(p *Poller) { p.tracer = t }
}

// WithMetrics makes the poller push the samples of every finished request to
// output. Pushing blocks until output is read or the request context is done,
// in which case the samples are dropped.
func WithMetrics(m *k6ext.CustomMetrics, output chan<- k6metrics.SampleContainer) Option {
	return func(p *Poller) {
		p.metrics = m
		p.samples = output
	}
}

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithObserver registers fn to be called with every outcome.
func WithObserver(fn Observer) Option {
	return func(p *Poller) { p.observers = append(p.observers, fn) }
}

// New returns a Poller.
func New(opts ...Option) *Poller {
	p := &Poller{
		logger: log.NewNullLogger(),
		clock:  systemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var defaultPoller = New() //nolint:gochecknoglobals

// Poll runs req with a poller that has no instrumentation.
func Poll(ctx context.Context, req Request) Outcome {
	return defaultPoller.Poll(ctx, req)
}

// Poll evaluates req.Predicate until it is satisfied, fails, ctx is
// cancelled or req.Timeout elapses. The predicate is evaluated at least once.
// It never waits after a successful evaluation, and the last wait is clamped
// to the deadline so a timed out poll overshoots by at most one evaluation.
func (p *Poller) Poll(ctx context.Context, req Request) Outcome {
	req = req.withDefaults()
	start := p.clock.Now()

	spanCtx, span := p.startSpan(ctx, req.Name)
	defer span.End()

	out := p.run(spanCtx, req, start)
	out.Elapsed = p.clock.Now().Sub(start)

	p.finish(spanCtx, span, req, out)

	return out
}

func (p *Poller) run(ctx context.Context, req Request, start time.Time) Outcome {
	if req.Predicate == nil {
		return Outcome{Kind: PredicateFailed, Reason: ErrNilPredicate}
	}

	for attempt := 1; ; attempt++ {
		status, err := evaluate(ctx, req.Predicate)
		switch {
		case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
			return Outcome{Kind: Cancelled, Attempts: attempt}
		case err != nil:
			return Outcome{Kind: PredicateFailed, Reason: err, Attempts: attempt}
		case status == Done:
			return Outcome{Kind: Satisfied, Attempts: attempt}
		case status == Failed:
			return Outcome{Kind: PredicateFailed, Reason: ErrConditionFailed, Attempts: attempt}
		}

		if ctx.Err() != nil {
			return Outcome{Kind: Cancelled, Attempts: attempt}
		}

		elapsed := p.clock.Now().Sub(start)
		if elapsed >= req.Timeout {
			return Outcome{Kind: TimedOut, Attempts: attempt}
		}

		wait := req.Backoff.Next(attempt)
		if remaining := req.Timeout - elapsed; wait > remaining {
			wait = remaining
		}
		p.logger.Tracef("Poller:Poll", "name:%q attempt:%d status:%s wait:%s", req.Name, attempt, status, wait)

		if !p.sleep(ctx, wait) {
			return Outcome{Kind: Cancelled, Attempts: attempt}
		}
	}
}

// sleep suspends for d and returns false if ctx is done first.
func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	t := p.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C():
		return true
	}
}

func evaluate(ctx context.Context, pred Predicate) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = Failed, fmt.Errorf("%w: %v", ErrPredicatePanic, r)
		}
	}()

	return pred(ctx)
}

func (p *Poller) startSpan(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	if p.tracer == nil {
		return ctx, trace.NoopSpan{}
	}
	return p.tracer.TracePoll(ctx, name)
}

func (p *Poller) finish(ctx context.Context, span oteltrace.Span, req Request, out Outcome) {
	suiteName := suite.GetName(ctx)

	p.logger.Debugf(
		"Poller:Poll", "name:%q suite:%q run:%q outcome:%s attempts:%d elapsed:%s",
		req.Name, suiteName, suite.GetRunID(ctx), out.Kind, out.Attempts, out.Elapsed,
	)

	span.SetAttributes(
		attribute.String("poll.outcome", out.Kind.String()),
		attribute.Int("poll.attempts", out.Attempts),
		attribute.Int64("poll.elapsed_ms", out.Elapsed.Milliseconds()),
	)
	if err := out.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	if p.metrics != nil && p.samples != nil {
		samples := p.metrics.PollSamples(req.Name, out.Kind.String(), suiteName, out.Elapsed, out.Attempts, p.clock.Now())
		if !k6ext.PushIfNotDone(ctx, p.samples, samples) {
			p.logger.Debugf("Poller:Poll", "name:%q dropped metric samples: %v", req.Name, ctx.Err())
		}
	}

	for _, fn := range p.observers {
		fn(req, out)
	}
}
