package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mccutchen/go-httpbin/httpbin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/xk6-storefront/jsexpr"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/trace"
)

func newHTTPBin(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(httpbin.New().Handler())
	t.Cleanup(srv.Close)

	return srv
}

func quickPoll(pred poll.Predicate) poll.Outcome {
	return poll.Poll(context.Background(), poll.Request{
		Predicate: pred,
		Interval:  5 * time.Millisecond,
		Timeout:   200 * time.Millisecond,
	})
}

func TestStatus(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)
	p := New(srv.Client(), nil)

	tests := []struct {
		name   string
		path   string
		want   int
		failOn []int
		kind   poll.Kind
	}{
		{name: "ok", path: "/status/200", want: 200, kind: poll.Satisfied},
		{name: "created", path: "/status/201", want: 201, kind: poll.Satisfied},
		{name: "wrong_status_times_out", path: "/status/404", want: 200, kind: poll.TimedOut},
		{name: "fail_on", path: "/status/500", want: 200, failOn: []int{500, 503}, kind: poll.PredicateFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			out := quickPoll(p.Status(http.MethodGet, srv.URL+tt.path, tt.want, tt.failOn...))
			assert.Equal(t, tt.kind, out.Kind, out.String())
			if tt.kind == poll.PredicateFailed {
				assert.Equal(t, 1, out.Attempts)
				assert.Contains(t, out.Reason.Error(), "unexpected status 500")
			}
		})
	}
}

func TestStatusTransportErrorIsPending(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := quickPoll(New(nil, nil).Status(http.MethodGet, url, 200))
	assert.Equal(t, poll.TimedOut, out.Kind)
	assert.Greater(t, out.Attempts, 1)
}

func TestStatusEventuallySatisfied(t *testing.T) {
	t.Parallel()

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	out := quickPoll(New(srv.Client(), nil).Status(http.MethodGet, srv.URL, 200))
	assert.Equal(t, poll.Satisfied, out.Kind)
	assert.Equal(t, 3, out.Attempts)
}

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func TestStatusHonoursRetryAfter(t *testing.T) {
	t.Parallel()

	var hits int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"message":"rate limit exceeded"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	clock := &fakeNow{t: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := New(srv.Client(), nil)
	p.now = clock.now
	pred := p.Status(http.MethodGet, srv.URL, 200)
	ctx := context.Background()

	status, err := pred(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Pending, status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))

	clock.advance(time.Second)
	status, err = pred(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Pending, status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits), "request must wait for Retry-After")

	clock.advance(time.Second)
	status, err = pred(ctx)
	require.NoError(t, err)
	assert.Equal(t, poll.Done, status)
	assert.EqualValues(t, 2, atomic.LoadInt64(&hits))
}

func TestExpect(t *testing.T) {
	t.Parallel()

	srv := newHTTPBin(t)
	p := New(srv.Client(), nil)

	out := quickPoll(p.Expect(http.MethodGet, srv.URL+"/get?sweet=wham",
		jsexpr.MustCompile(`status === 200 && body.args.sweet[0] === "wham" && body.url.length > 0`)))
	assert.Equal(t, poll.Satisfied, out.Kind, out.String())

	out = quickPoll(p.Expect(http.MethodGet, srv.URL+"/response-headers?Retry-After=5",
		jsexpr.MustCompile(`headers["retry-after"] === "5"`)))
	assert.Equal(t, poll.Satisfied, out.Kind, out.String())

	out = quickPoll(p.Expect(http.MethodGet, srv.URL+"/status/500",
		jsexpr.MustCompile(`status >= 500 ? fail("server error " + status) : status === 200`)))
	assert.Equal(t, poll.PredicateFailed, out.Kind)
	assert.ErrorIs(t, out.Reason, jsexpr.ErrFailed)
	assert.Contains(t, out.Reason.Error(), "server error 500")
}

func TestFetchSnapshot(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	snap, err := New(srv.Client(), nil).Fetch(context.Background(), http.MethodGet, srv.URL)
	require.NoError(t, err)
	assert.Equal(t, 200, snap.Status)
	assert.Equal(t, "not json", snap.Body)
	assert.Equal(t, "not json", snap.Text)
	assert.Equal(t, "text/plain", snap.Headers["content-type"])
	assert.Zero(t, snap.RetryAfter)
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{" 10 ", 10 * time.Second},
		{"-1", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfter(tt.in, now), tt.in)
	}
}

func TestRequestSpans(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := trace.NewTracer(log.NewNullLogger().Logger, tp, nil)

	srv := newHTTPBin(t)
	p := New(srv.Client(), nil)
	p.SetTracer(tracer)

	ctx, parent := tracer.TracePoll(context.Background(), "teapot")
	_, err := p.Fetch(ctx, http.MethodGet, srv.URL+"/status/418")
	require.NoError(t, err)
	_, err = p.Fetch(ctx, http.MethodGet, "http://127.0.0.1:1/")
	require.Error(t, err)
	parent.End()

	spans := sr.Ended()
	require.Len(t, spans, 3)
	for _, s := range spans[:2] {
		assert.Equal(t, "http.request", s.Name())
		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID())
		assert.Contains(t, s.Attributes(), attribute.String("http.method", http.MethodGet))
	}
	assert.Contains(t, spans[0].Attributes(), attribute.Int("http.status_code", http.StatusTeapot))
	assert.Equal(t, codes.Unset, spans[0].Status().Code, "a status code is not a request failure")
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}
