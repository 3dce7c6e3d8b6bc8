// Package probe turns HTTP requests into poll predicates.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oxtoacart/bpool"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-storefront/jsexpr"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/trace"
)

const (
	bufferPoolSize = 16

	// maxBodySize bounds the response body kept in a snapshot.
	maxBodySize = 4 << 20
)

// Prober sends the requests of HTTP predicates.
type Prober struct {
	client *http.Client
	logger *log.Logger
	tracer *trace.Tracer
	pool   *bpool.BufferPool
	now    func() time.Time
}

// New returns a Prober sending requests with client, or http.DefaultClient
// when client is nil.
func New(client *http.Client, logger *log.Logger) *Prober {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewNullLogger()
	}
	return &Prober{
		client: client,
		logger: logger,
		pool:   bpool.NewBufferPool(bufferPoolSize),
		now:    time.Now,
	}
}

// SetTracer makes every request start an http.request span, as a child of
// the span carried by the request context.
func (p *Prober) SetTracer(t *trace.Tracer) {
	p.tracer = t
}

// Snapshot is the part of a response a condition is evaluated against.
type Snapshot struct {
	Status  int
	Headers map[string]string
	Body    interface{}
	Text    string

	// RetryAfter is the delay a 429 response asked for.
	RetryAfter time.Duration
}

// State returns the snapshot as condition globals: status, headers (lower
// case names), body (decoded JSON, or the raw text) and text.
func (s *Snapshot) State() map[string]interface{} {
	return map[string]interface{}{
		"status":  s.Status,
		"headers": s.Headers,
		"body":    s.Body,
		"text":    s.Text,
	}
}

// Status is satisfied when a request answers with want. Statuses in failOn
// fail the wait. Transport errors are retried.
func (p *Prober) Status(method, url string, want int, failOn ...int) poll.Predicate {
	g := &gate{now: p.now}
	return func(ctx context.Context) (poll.Status, error) {
		snap, ok := p.fetch(ctx, g, method, url)
		if !ok {
			return poll.Pending, nil
		}
		if snap.Status == want {
			return poll.Done, nil
		}
		for _, s := range failOn {
			if snap.Status == s {
				return poll.Failed, fmt.Errorf("%s %s: unexpected status %d", method, url, snap.Status)
			}
		}
		return poll.Pending, nil
	}
}

// Expect evaluates prog against the snapshot of each response.
func (p *Prober) Expect(method, url string, prog *jsexpr.Program) poll.Predicate {
	g := &gate{now: p.now}
	return func(ctx context.Context) (poll.Status, error) {
		snap, ok := p.fetch(ctx, g, method, url)
		if !ok {
			return poll.Pending, nil
		}
		return prog.Eval(snap.State())
	}
}

// Fetch sends a single request and returns its snapshot.
func (p *Prober) Fetch(ctx context.Context, method, url string) (*Snapshot, error) {
	ctx, span := p.tracer.TraceAPICall(ctx, "http.request", oteltrace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("http.url", url),
	))
	snap, err := p.send(ctx, method, url)
	if snap != nil {
		span.SetAttributes(attribute.Int("http.status_code", snap.Status))
	}
	trace.EndAPICall(span, err)
	return snap, err
}

func (p *Prober) send(ctx context.Context, method, url string) (*Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", method, url, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	buf := p.pool.Get()
	defer p.pool.Put(buf)
	if _, err := io.Copy(buf, io.LimitReader(resp.Body, maxBodySize)); err != nil {
		return nil, fmt.Errorf("reading response of %s %s: %w", method, url, err)
	}

	snap := &Snapshot{
		Status:  resp.StatusCode,
		Headers: make(map[string]string, len(resp.Header)),
		Text:    buf.String(),
	}
	for k := range resp.Header {
		snap.Headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	snap.Body = snap.Text
	var body interface{}
	if err := json.Unmarshal(buf.Bytes(), &body); err == nil {
		snap.Body = body
	}
	if snap.Status == http.StatusTooManyRequests {
		snap.RetryAfter = retryAfter(resp.Header.Get("Retry-After"), p.now())
	}

	return snap, nil
}

// fetch returns false when no response is available this attempt.
func (p *Prober) fetch(ctx context.Context, g *gate, method, url string) (*Snapshot, bool) {
	if !g.open() {
		p.logger.Debugf("Prober:fetch", "%s %s deferred by Retry-After", method, url)
		return nil, false
	}
	snap, err := p.Fetch(ctx, method, url)
	if err != nil {
		p.logger.Debugf("Prober:fetch", "%s %s: %v", method, url, err)
		return nil, false
	}
	p.logger.Debugf("Prober:fetch", "%s %s: %d", method, url, snap.Status)
	if snap.RetryAfter > 0 {
		g.closeFor(snap.RetryAfter)
	}
	return snap, true
}

// gate holds requests back until the time a Retry-After header advertised.
type gate struct {
	mu        sync.Mutex
	notBefore time.Time
	now       func() time.Time
}

func (g *gate) open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.now().Before(g.notBefore)
}

func (g *gate) closeFor(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notBefore = g.now().Add(d)
}

// retryAfter parses a Retry-After value given in seconds or as an HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
