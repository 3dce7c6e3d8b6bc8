// Package cdp is a minimal Chrome DevTools Protocol client used to read live
// page state for condition polling.
package cdp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	cdpext "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/grafana/xk6-storefront/cdp/domains"
	"github.com/grafana/xk6-storefront/log"
	"github.com/grafana/xk6-storefront/trace"
)

var (
	// ErrNotConnected is returned when executing on a client without a connection.
	ErrNotConnected = errors.New("CDP connection not established")

	// ErrDisconnected is returned for commands pending when the connection ends.
	ErrDisconnected = errors.New("CDP connection closed")
)

var _ cdpext.Executor = &Client{}

// Client manages CDP communication with the browser.
type Client struct {
	logger *log.Logger
	tracer *trace.Tracer

	Page      domains.Page
	Runtime   domains.Runtime
	Emulation domains.Emulation
	Network   domains.Network

	conn  *connection
	wsURL string
	msgID int64

	msgSubsMu sync.Mutex
	msgSubs   map[int64]chan *cdproto.Message

	watcher *eventWatcher

	done    chan struct{}
	errMu   sync.Mutex
	recvErr error
}

// NewClient returns a new Client that is unusable until a CDP connection is
// established with Connect().
func NewClient(logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c := &Client{
		logger:  logger,
		msgSubs: make(map[int64]chan *cdproto.Message),
		watcher: newEventWatcher(),
		done:    make(chan struct{}),
	}

	c.Page = domains.NewPage(c)
	c.Runtime = domains.NewRuntime(c)
	c.Emulation = domains.NewEmulation(c)
	c.Network = domains.NewNetwork(c)

	return c
}

// SetTracer makes the client start a span per command, as a child of the
// span carried by the command context.
func (c *Client) SetTracer(t *trace.Tracer) {
	c.tracer = t
}

// Connect to the browser that exposes a CDP API at wsURL.
func (c *Client) Connect(ctx context.Context, wsURL string) (err error) {
	if c.wsURL != "" {
		return errors.Errorf("CDP connection already established to %q", c.wsURL)
	}

	if c.conn, err = newConnection(ctx, wsURL, c.logger); err != nil {
		return err
	}
	c.logger.Infof("cdp", "established CDP connection to %q", wsURL)
	c.wsURL = wsURL

	go c.recvLoop()

	return nil
}

// Close disconnects from the browser's CDP API.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	<-c.done
	return err
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Execute implements cdproto.Executor and performs a synchronous send and
// receive.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	attrs := []attribute.KeyValue{attribute.String("cdp.method", method)}
	if sid := GetSessionID(ctx); sid != "" {
		attrs = append(attrs, attribute.String("cdp.session_id", sid))
	}
	ctx, span := c.tracer.TraceAPICall(ctx, method, oteltrace.WithAttributes(attrs...))
	err := c.execute(ctx, method, params, res)
	trace.EndAPICall(span, err)
	return err
}

func (c *Client) execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	c.logger.Debugf("Client:Execute", "wsURL:%q method:%q", c.wsURL, method)

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return errors.Wrapf(err, "marshalling %s params", method)
		}
	}

	id := atomic.AddInt64(&c.msgID, 1)
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	// Without a session ID the message goes to the browser target.
	if sid := GetSessionID(ctx); sid != "" {
		msg.SessionID = target.SessionID(sid)
	}

	recvCh := make(chan *cdproto.Message, 1)
	c.msgSubsMu.Lock()
	c.msgSubs[id] = recvCh
	c.msgSubsMu.Unlock()
	defer func() {
		c.msgSubsMu.Lock()
		delete(c.msgSubs, id)
		c.msgSubsMu.Unlock()
	}()

	select {
	case <-c.done:
		return c.disconnectedErr()
	default:
	}
	if err := c.conn.writeMessage(msg); err != nil {
		return err
	}

	select {
	case reply := <-recvCh:
		switch {
		case reply.Error != nil:
			return errors.Wrapf(reply.Error, "executing %s", method)
		case res != nil:
			return easyjson.Unmarshal(reply.Result, res)
		}
		return nil
	case <-ctx.Done():
		c.logger.Debugf("Client:Execute:<-ctx.Done()", "wsURL:%q method:%q err:%v", c.wsURL, method, ctx.Err())
		return ctx.Err()
	case <-c.done:
		return c.disconnectedErr()
	}
}

// Subscribe returns a channel that receives the given CDP events until ctx is
// done or the returned function is called.
func (c *Client) Subscribe(ctx context.Context, events ...cdproto.MethodType) (<-chan *Event, func()) {
	return c.watcher.subscribe(ctx, events...)
}

func (c *Client) disconnectedErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.recvErr != nil && !isClosedError(c.recvErr) {
		return errors.Wrap(ErrDisconnected, c.recvErr.Error())
	}
	return ErrDisconnected
}

func (c *Client) recvLoop() {
	defer close(c.done)

	for {
		msg, err := c.conn.readMessage()
		if err != nil {
			if !isClosedError(err) {
				c.logger.Errorf("Client:recvLoop", "wsURL:%q ioErr:%v", c.wsURL, err)
			}
			c.errMu.Lock()
			c.recvErr = err
			c.errMu.Unlock()
			return
		}

		switch {
		case msg.ID > 0:
			c.msgSubsMu.Lock()
			ch, ok := c.msgSubs[msg.ID]
			c.msgSubsMu.Unlock()
			if !ok {
				c.logger.Debugf("Client:recvLoop", "wsURL:%q no waiter for reply %d", c.wsURL, msg.ID)
				continue
			}
			select {
			case ch <- msg:
			default:
				c.logger.Debugf("Client:recvLoop", "wsURL:%q duplicate reply %d", c.wsURL, msg.ID)
			}
		case msg.Method != "":
			evt, err := cdproto.UnmarshalMessage(msg)
			if err != nil {
				c.logger.Debugf("Client:recvLoop", "wsURL:%q unmarshalling event %q: %v", c.wsURL, msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				SessionID: string(msg.SessionID),
				Data:      evt,
			}, c.done)
		default:
			c.logger.Errorf("cdp", "ignoring malformed incoming CDP message (missing id or method): %#v", msg)
		}
	}
}

// Evaluate evaluates expression in the page and returns its JSON value.
func (c *Client) Evaluate(ctx context.Context, expression string) (interface{}, error) {
	return c.Runtime.Evaluate(ctx, expression)
}

// Navigate navigates the page to url.
func (c *Client) Navigate(ctx context.Context, url string) (string, error) {
	return c.Page.Navigate(ctx, url, "")
}

// SetViewport overrides the page viewport.
func (c *Client) SetViewport(ctx context.Context, width, height int64, mobile bool) error {
	return c.Emulation.SetViewport(ctx, width, height, mobile)
}
