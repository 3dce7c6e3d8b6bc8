package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/grafana/xk6-storefront/cdp/domains"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/poll"
	"github.com/grafana/xk6-storefront/trace"
)

// reply is what the fake browser answers to a command. It can push events
// after the reply.
type reply struct {
	result string
	err    string
	events []string
}

type handlerFunc func(params json.RawMessage) reply

// fakeBrowser is a websocket endpoint speaking enough CDP for the tests.
type fakeBrowser struct {
	t        *testing.T
	srv      *httptest.Server
	mu       sync.Mutex
	handlers map[string]handlerFunc
	received []*cdproto.Message
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()

	fb := &fakeBrowser{t: t, handlers: make(map[string]handlerFunc)}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close() //nolint:errcheck
		fb.serve(ws)
	}))
	t.Cleanup(fb.srv.Close)

	return fb
}

func (fb *fakeBrowser) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBrowser) handle(method string, fn handlerFunc) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.handlers[method] = fn
}

func (fb *fakeBrowser) messages() []*cdproto.Message {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]*cdproto.Message(nil), fb.received...)
}

func (fb *fakeBrowser) serve(ws *websocket.Conn) {
	for {
		_, buf, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg cdproto.Message
		if err := easyjson.Unmarshal(buf, &msg); err != nil {
			fb.t.Errorf("fake browser: unmarshalling %s: %v", buf, err)
			return
		}

		fb.mu.Lock()
		fb.received = append(fb.received, &msg)
		fn, ok := fb.handlers[string(msg.Method)]
		fb.mu.Unlock()

		rep := reply{err: "method not found"}
		if ok {
			rep = fn(json.RawMessage(msg.Params))
		}

		var out string
		if rep.err != "" {
			out = fmt.Sprintf(`{"id":%d,"error":{"code":-32601,"message":%q}}`, msg.ID, rep.err)
		} else {
			result := rep.result
			if result == "" {
				result = "{}"
			}
			out = fmt.Sprintf(`{"id":%d,"result":%s}`, msg.ID, result)
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(out)); err != nil {
			return
		}
		for _, evt := range rep.events {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(evt)); err != nil {
				return
			}
		}
	}
}

func newConnectedClient(t *testing.T, fb *fakeBrowser) *Client {
	t.Helper()

	c := NewClient(nil)
	require.NoError(t, c.Connect(context.Background(), fb.wsURL()))
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func evaluateHandler(values map[string]string) handlerFunc {
	return func(params json.RawMessage) reply {
		var p struct {
			Expression    string `json:"expression"`
			ReturnByValue bool   `json:"returnByValue"`
		}
		_ = json.Unmarshal(params, &p)
		v, ok := values[p.Expression]
		if !ok {
			return reply{result: `{"result":{"type":"object","subtype":"error"},` +
				`"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0,` +
				`"exception":{"type":"object","description":"ReferenceError: nope is not defined"}}}`}
		}
		return reply{result: fmt.Sprintf(`{"result":{"type":"object","value":%s}}`, v)}
	}
}

func TestClientEvaluate(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	fb.handle("Runtime.evaluate", evaluateHandler(map[string]string{
		`document.readyState`:      `"complete"`,
		`document.title`:           `"Sweet Shop"`,
		`[1, 2].length`:            `2`,
		`({cart: {items: 2}})`:     `{"cart":{"items":2}}`,
		`document.querySelector()`: `null`,
	}))
	c := newConnectedClient(t, fb)
	ctx := context.Background()

	v, err := c.Evaluate(ctx, `document.readyState`)
	require.NoError(t, err)
	assert.Equal(t, "complete", v)

	v, err = c.Evaluate(ctx, `[1, 2].length`)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	v, err = c.Evaluate(ctx, `({cart: {items: 2}})`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"cart": map[string]interface{}{"items": 2.0}}, v)

	v, err = c.Evaluate(ctx, `document.querySelector()`)
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = c.Evaluate(ctx, `nope`)
	var evalErr *domains.EvaluationError
	require.True(t, errors.As(err, &evalErr))
	assert.Equal(t, "nope", evalErr.Expression)
	assert.Contains(t, evalErr.Description, "ReferenceError")

	msgs := fb.messages()
	require.NotEmpty(t, msgs)
	var p struct {
		ReturnByValue bool `json:"returnByValue"`
		AwaitPromise  bool `json:"awaitPromise"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Params, &p))
	assert.True(t, p.ReturnByValue)
	assert.True(t, p.AwaitPromise)
}

func TestClientCommandSpans(t *testing.T) {
	t.Parallel()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	tracer := trace.NewTracer(log.NewNullLogger().Logger, tp, map[string]string{"suite": "cdp"})

	fb := newFakeBrowser(t)
	fb.handle("Runtime.evaluate", evaluateHandler(map[string]string{`document.title`: `"Sweet Shop"`}))
	c := newConnectedClient(t, fb)
	c.SetTracer(tracer)

	ctx, parent := tracer.TracePoll(context.Background(), "title")
	_, err := c.Evaluate(ctx, `document.title`)
	require.NoError(t, err)
	_, err = c.Navigate(ctx, "https://sweetshop.local")
	require.Error(t, err)
	parent.End()

	spans := sr.Ended()
	require.Len(t, spans, 3)
	for i, name := range []string{"Runtime.evaluate", "Page.navigate"} {
		s := spans[i]
		assert.Equal(t, name, s.Name())
		assert.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID(), "nested under the poll span")
		assert.Contains(t, s.Attributes(), attribute.String("cdp.method", name))
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Status().Description, "method not found")
}

func TestClientCommandError(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	c := newConnectedClient(t, fb)

	_, err := c.Navigate(context.Background(), "https://sweetshop.local")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestClientNavigateAndViewport(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	var viewport struct {
		Width  int64 `json:"width"`
		Height int64 `json:"height"`
		Mobile bool  `json:"mobile"`
	}
	fb.handle("Page.navigate", func(params json.RawMessage) reply {
		return reply{result: `{"frameId":"F1","loaderId":"L1"}`}
	})
	fb.handle("Emulation.setDeviceMetricsOverride", func(params json.RawMessage) reply {
		_ = json.Unmarshal(params, &viewport)
		return reply{}
	})
	c := newConnectedClient(t, fb)
	ctx := WithSessionID(context.Background(), "S1")

	frameID, err := c.Navigate(ctx, "https://sweetshop.local/products")
	require.NoError(t, err)
	assert.Equal(t, "F1", frameID)

	require.NoError(t, c.SetViewport(ctx, 375, 667, true))
	assert.EqualValues(t, 375, viewport.Width)
	assert.EqualValues(t, 667, viewport.Height)
	assert.True(t, viewport.Mobile)

	for _, msg := range fb.messages() {
		assert.EqualValues(t, "S1", msg.SessionID)
	}
}

func TestClientExecuteCancelled(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	fb.handle("Runtime.evaluate", func(json.RawMessage) reply {
		<-block
		return reply{}
	})
	c := newConnectedClient(t, fb)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Evaluate(ctx, "1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClientNotConnected(t *testing.T) {
	t.Parallel()

	c := NewClient(nil)
	_, err := c.Evaluate(context.Background(), "1")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Close())
}

func TestClientConnectTwice(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	c := newConnectedClient(t, fb)
	assert.Error(t, c.Connect(context.Background(), fb.wsURL()))
}

func TestClientDisconnected(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t)
	c := NewClient(nil)
	require.NoError(t, c.Connect(context.Background(), fb.wsURL()))
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("client not done after close")
	}
	_, err := c.Evaluate(context.Background(), "1")
	assert.Error(t, err)
}

func TestNetworkTracker(t *testing.T) {
	t.Parallel()

	// Test description
	//
	// 1. enable network tracking, the browser reports two requests.
	// 2. evaluate a command whose reply is followed by one finishing
	//    and one failing request.
	//
	// Success criteria: the tracker sees two requests in flight, then
	//                   none, and a network idle poll is satisfied.

	fb := newFakeBrowser(t)
	fb.handle("Network.enable", func(json.RawMessage) reply {
		return reply{events: []string{
			`{"method":"Network.requestWillBeSent","params":{"requestId":"r1","loaderId":"L1","documentURL":"https://sweetshop.local","request":{"url":"https://sweetshop.local/api/products","method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"timestamp":1,"wallTime":1,"initiator":{"type":"script"},"type":"XHR"}}`,
			`{"method":"Network.requestWillBeSent","params":{"requestId":"r2","loaderId":"L1","documentURL":"https://sweetshop.local","request":{"url":"https://sweetshop.local/api/cart","method":"GET","headers":{},"initialPriority":"High","referrerPolicy":"no-referrer"},"timestamp":1,"wallTime":1,"initiator":{"type":"script"},"type":"XHR"}}`,
		}}
	})
	fb.handle("Runtime.evaluate", func(json.RawMessage) reply {
		return reply{
			result: `{"result":{"type":"boolean","value":true}}`,
			events: []string{
				`{"method":"Network.loadingFinished","params":{"requestId":"r1","timestamp":2,"encodedDataLength":10}}`,
				`{"method":"Network.loadingFailed","params":{"requestId":"r2","timestamp":2,"type":"XHR","errorText":"net::ERR_FAILED"}}`,
			},
		}
	})
	c := newConnectedClient(t, fb)

	tracker, err := c.TrackNetwork(context.Background())
	require.NoError(t, err)
	t.Cleanup(tracker.Stop)

	out := poll.Poll(context.Background(), poll.Request{
		Predicate: poll.Bool(func() bool { return tracker.Inflight() == 2 }),
		Interval:  5 * time.Millisecond,
		Timeout:   2 * time.Second,
	})
	require.Equal(t, poll.Satisfied, out.Kind, out.String())

	_, err = c.Evaluate(context.Background(), "fetch('/api/cart')")
	require.NoError(t, err)

	out = poll.Poll(context.Background(), poll.Request{
		Predicate: poll.Bool(func() bool { return tracker.Inflight() == 0 }),
		Interval:  5 * time.Millisecond,
		Timeout:   2 * time.Second,
	})
	require.Equal(t, poll.Satisfied, out.Kind, out.String())
	assert.Equal(t, 2, tracker.Seen())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()

	w := newEventWatcher()
	ch, unsubscribe := w.subscribe(context.Background(), cdproto.EventPageLoadEventFired)

	stop := make(chan struct{})
	w.notify(&Event{Name: cdproto.EventPageLoadEventFired}, stop)
	evt := <-ch
	assert.Equal(t, cdproto.MethodType(cdproto.EventPageLoadEventFired), evt.Name)

	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after unsubscribe")

	// notifying without subscribers does not block
	w.notify(&Event{Name: cdproto.EventPageLoadEventFired}, stop)
}
