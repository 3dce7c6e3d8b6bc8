package cdp

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/pkg/errors"

	"github.com/grafana/xk6-storefront/log"
)

const wsHandshakeTimeout = 10 * time.Second

// connection is a websocket carrying CDP messages. Reads happen from a single
// goroutine; writes are serialized.
type connection struct {
	ws     *websocket.Conn
	wsURL  string
	logger *log.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConnection(ctx context.Context, wsURL string, logger *log.Logger) (*connection, error) {
	wd := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   1 << 20,
		WriteBufferSize:  1 << 20,
		Proxy:            http.ProxyFromEnvironment,
	}
	ws, _, err := wd.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %q", wsURL)
	}

	return &connection{
		ws:     ws,
		wsURL:  wsURL,
		logger: logger,
	}, nil
}

func (c *connection) readMessage() (*cdproto.Message, error) {
	_, buf, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Wrap(err, "reading CDP message")
	}

	var msg cdproto.Message
	if err := easyjson.Unmarshal(buf, &msg); err != nil {
		return nil, errors.Wrapf(err, "unmarshalling CDP message %q", buf)
	}
	c.logger.Tracef("connection:readMessage", "wsURL:%q <- %s", c.wsURL, buf)

	return &msg, nil
}

func (c *connection) writeMessage(msg *cdproto.Message) error {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshalling CDP message")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.logger.Tracef("connection:writeMessage", "wsURL:%q -> %s", c.wsURL, buf)
	if err := c.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		return errors.Wrap(err, "writing CDP message")
	}
	return nil
}

// isClosedError reports whether err comes from a connection closed by either side.
func isClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}

// Close sends a close frame and closes the underlying connection.
func (c *connection) Close() (err error) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
