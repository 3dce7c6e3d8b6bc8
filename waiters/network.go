package waiters

import (
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grafana/xk6-storefront/poll"
)

// InflightCounter reports the number of requests in flight.
// *cdp.NetworkTracker and *Transport are InflightCounters.
type InflightCounter interface {
	Inflight() int
}

// NetworkIdle is satisfied once counter has reported no request in flight
// for at least quiet. The returned predicate keeps the start of the current
// idle period, so use a fresh one per poll.
func NetworkIdle(counter InflightCounter, quiet time.Duration) poll.Predicate {
	var (
		mu        sync.Mutex
		idleSince time.Time
	)
	return func(context.Context) (poll.Status, error) {
		mu.Lock()
		defer mu.Unlock()

		if counter.Inflight() > 0 {
			idleSince = time.Time{}
			return poll.Pending, nil
		}
		now := time.Now()
		if idleSince.IsZero() {
			idleSince = now
		}
		if now.Sub(idleSince) >= quiet {
			return poll.Done, nil
		}
		return poll.Pending, nil
	}
}

// Transport is an http.RoundTripper counting the requests it carries. A
// request stays in flight until its response body is closed or the round
// trip fails.
type Transport struct {
	// Base carries the requests. http.DefaultTransport is used when nil.
	Base http.RoundTripper

	inflight int64
	total    int64
}

var _ http.RoundTripper = &Transport{}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	atomic.AddInt64(&t.inflight, 1)
	atomic.AddInt64(&t.total, 1)
	resp, err := base.RoundTrip(req)
	if err != nil {
		atomic.AddInt64(&t.inflight, -1)
		return nil, err
	}
	resp.Body = &trackedBody{ReadCloser: resp.Body, done: func() {
		atomic.AddInt64(&t.inflight, -1)
	}}

	return resp, nil
}

// Inflight returns the number of requests whose response body is still open.
func (t *Transport) Inflight() int {
	return int(atomic.LoadInt64(&t.inflight))
}

// Total returns the number of requests sent through t.
func (t *Transport) Total() int {
	return int(atomic.LoadInt64(&t.total))
}

type trackedBody struct {
	io.ReadCloser
	once sync.Once
	done func()
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.done)
	return err
}
