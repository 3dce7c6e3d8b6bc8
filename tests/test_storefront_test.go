package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/xk6-storefront/config"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/mockapi"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/probe"
	"github.com/grafana/xk6-storefront/report"
	"github.com/grafana/xk6-storefront/suite"
	"github.com/grafana/xk6-storefront/waiters"
)

const waitTimeout = 3 * time.Second

// testStorefront is a storefront API mock with the clients and poller a
// flow needs.
type testStorefront struct {
	t   testing.TB
	ctx context.Context

	mock      *mockapi.Server
	srv       *httptest.Server
	transport *waiters.Transport
	client    *http.Client
	prober    *probe.Prober
	poller    *poll.Poller
	recorder  *report.Recorder
	settings  config.Settings
	logger    *log.Logger
	logCache  *logCache
}

type testStorefrontOptions struct {
	mockOpts []mockapi.Option
	suite    string
}

type testStorefrontOption func(*testStorefrontOptions)

// withRateLimit rate limits the featured route after n requests.
func withRateLimit(n int, retryAfter time.Duration) testStorefrontOption {
	return func(o *testStorefrontOptions) {
		o.mockOpts = append(o.mockOpts, mockapi.WithRateLimit(n, retryAfter))
	}
}

// withSuite resolves the settings of the named suite.
func withSuite(name string) testStorefrontOption {
	return func(o *testStorefrontOptions) { o.suite = name }
}

func newTestStorefront(tb testing.TB, opts ...testStorefrontOption) *testStorefront {
	tb.Helper()

	var o testStorefrontOptions
	for _, opt := range opts {
		opt(&o)
	}

	lc := &logCache{}
	ll := logrus.New()
	ll.SetOutput(io.Discard)
	ll.SetLevel(logrus.DebugLevel)
	ll.AddHook(lc)
	logger := log.New(ll, nil)

	mock := mockapi.New(append([]mockapi.Option{mockapi.WithLogger(logger)}, o.mockOpts...)...)
	srv := httptest.NewServer(mock)
	tb.Cleanup(srv.Close)

	settings := config.Default().ForSuite(o.suite)
	settings.BaseURL = srv.URL
	settings.Interval = 5 * time.Millisecond
	settings.BackoffCap = 50 * time.Millisecond

	runID := suite.NewRunID()
	recorder := report.NewRecorder(runID, o.suite)
	transport := &waiters.Transport{}
	client := &http.Client{Transport: transport, Timeout: settings.ResponseTimeout}

	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)

	return &testStorefront{
		t:         tb,
		ctx:       suite.WithRunID(suite.WithName(ctx, o.suite), runID),
		mock:      mock,
		srv:       srv,
		transport: transport,
		client:    client,
		prober:    probe.New(client, logger),
		poller:    poll.New(poll.WithLogger(logger), poll.WithObserver(recorder.Observe)),
		recorder:  recorder,
		settings:  settings,
		logger:    logger,
		logCache:  lc,
	}
}

func (ts *testStorefront) url(path string) string {
	return ts.srv.URL + path
}

// wait polls pred with the suite settings and a test sized timeout.
func (ts *testStorefront) wait(name string, pred poll.Predicate) poll.Outcome {
	ts.t.Helper()
	return ts.poller.Poll(ts.ctx, ts.settings.Request(name, waitTimeout, pred))
}

// requireSatisfied waits for pred and fails the test unless it is satisfied.
func (ts *testStorefront) requireSatisfied(name string, pred poll.Predicate) poll.Outcome {
	ts.t.Helper()
	out := ts.wait(name, pred)
	require.Equal(ts.t, poll.Satisfied, out.Kind, out.String())
	return out
}

// intercepted waits for the nth request of route and returns it.
func (ts *testStorefront) intercepted(route string, n int) mockapi.Interception {
	ts.t.Helper()
	ts.requireSatisfied("intercept:"+route, ts.mock.Intercepted(route, n))
	return ts.mock.Interceptions(route)[n-1]
}

// do sends a request with an optional JSON body and returns the status and
// the decoded JSON response.
func (ts *testStorefront) do(method, path string, body interface{}) (int, map[string]interface{}) {
	ts.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(ts.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ts.ctx, method, ts.url(path), r)
	require.NoError(ts.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.client.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close() //nolint:errcheck

	var got map[string]interface{}
	b, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	if len(b) > 0 {
		require.NoError(ts.t, json.Unmarshal(b, &got), string(b))
	}
	return resp.StatusCode, got
}

// send sends a request without failing the test, for use off the test
// goroutine.
func (ts *testStorefront) send(method, path string, body interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ts.ctx, method, ts.url(path), r)
	if err != nil {
		return err
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// decode decodes the response body of i.
func decode(tb testing.TB, i mockapi.Interception) map[string]interface{} {
	tb.Helper()

	var body map[string]interface{}
	require.NoError(tb, i.DecodeResponse(&body))
	return body
}

// logCache keeps the log entries of a test.
type logCache struct {
	mu      sync.RWMutex
	entries []logrus.Entry
}

func (lc *logCache) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (lc *logCache) Fire(e *logrus.Entry) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.entries = append(lc.entries, *e)
	return nil
}

func (lc *logCache) contains(msg string) bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	for _, e := range lc.entries {
		if strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}

func (lc *logCache) assertContains(tb testing.TB, msg string) {
	tb.Helper()
	assert.True(tb, lc.contains(msg), "log does not contain %q", msg)
}
