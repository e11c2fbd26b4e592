// Package cdp drives a real Chromium over the DevTools protocol. One
// websocket connection carries easyjson-encoded cdproto frames in both
// directions: commands wait in a pending table for the reply with their
// id, events fan out to subscribers. The Client implements cdproto's
// Executor, so typed protocol actions run through it directly with
// cdp.WithExecutor.
package cdp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"

	"github.com/webpilot/webpilot/log"
)

// Dialer knobs. Screenshot payloads travel base64-encoded inside one
// frame, so the buffers are generous.
const (
	wsHandshakeTimeout = 10 * time.Second
	wsBufferSize       = 1 << 20
)

// The DevTools socket appears a beat after the browser process starts,
// so refused dials retry briefly before giving up.
const (
	dialAttempts  = 5
	dialRetryWait = 200 * time.Millisecond
)

var _ cdp.Executor = (*Client)(nil)

// Client is one DevTools connection. Commands from any goroutine are
// correlated with their replies by message id; events stream to
// subscribers registered through Subscribe. When the connection drops,
// every pending command fails with the recorded cause.
type Client struct {
	logger *log.Logger
	wsURL  string

	conn    *websocket.Conn
	writeMu sync.Mutex

	msgID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *cdproto.Message

	watcher *eventWatcher

	done     chan struct{}
	downOnce sync.Once
	downErr  error
}

// Connect dials the browser's DevTools websocket endpoint and starts
// reading frames. The context bounds the dial only.
func Connect(ctx context.Context, wsURL string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		ReadBufferSize:   wsBufferSize,
		WriteBufferSize:  wsBufferSize,
		Proxy:            http.ProxyFromEnvironment,
	}

	var (
		conn *websocket.Conn
		err  error
	)
	for attempt := 1; ; attempt++ {
		conn, _, err = dialer.DialContext(ctx, wsURL, nil) //nolint:bodyclose
		if err == nil {
			break
		}
		if attempt >= dialAttempts || ctx.Err() != nil {
			return nil, fmt.Errorf("cannot connect to %q: %w", wsURL, err)
		}
		logger.Debugf("CDP:Connect", "dial %s attempt %d failed, retrying: %v", wsURL, attempt, err)
		select {
		case <-time.After(dialRetryWait):
		case <-ctx.Done():
			return nil, fmt.Errorf("cannot connect to %q: %w", wsURL, ctx.Err())
		}
	}

	c := &Client{
		logger:  logger,
		wsURL:   wsURL,
		conn:    conn,
		pending: make(map[int64]chan *cdproto.Message),
		watcher: newEventWatcher(logger),
		done:    make(chan struct{}),
	}
	c.logger.Infof("CDP:Connect", "connected to %s", wsURL)

	go c.readLoop()
	return c, nil
}

// Done is closed once the browser connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Execute sends a protocol command and waits for the correlated reply,
// decoding its result into res when non-nil. A session id placed on the
// context with WithSessionID routes the command to that target; without
// one the command addresses the browser itself.
func (c *Client) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s failed: %w", method, c.downError())
	default:
	}

	var buf []byte
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return fmt.Errorf("cannot encode %s params: %w", method, err)
		}
	}
	id := c.msgID.Add(1)
	msg := &cdproto.Message{
		ID:     id,
		Method: cdproto.MethodType(method),
		Params: buf,
	}
	if sid := GetSessionID(ctx); sid != "" {
		msg.SessionID = target.SessionID(sid)
	}

	// Register before writing so a reply racing the send still finds
	// its waiter.
	ch := make(chan *cdproto.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(msg); err != nil {
		c.take(id)
		return fmt.Errorf("cannot send %s: %w", method, err)
	}
	c.logger.Debugf("CDP:Execute", "sent %s id:%d sid:%s", method, id, msg.SessionID)

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return reply.Error
		}
		if res != nil && len(reply.Result) > 0 {
			if err := easyjson.Unmarshal(reply.Result, res); err != nil {
				return fmt.Errorf("cannot decode %s result: %w", method, err)
			}
		}
		return nil
	case <-c.done:
		c.take(id)
		return fmt.Errorf("%s failed: %w", method, c.downError())
	case <-ctx.Done():
		c.take(id)
		return fmt.Errorf("%s aborted: %w", method, ctx.Err())
	}
}

// Subscribe returns a channel delivering the named events and a cancel
// that unsubscribes and closes it. Slow consumers lose events rather
// than stalling the read loop.
func (c *Client) Subscribe(events ...cdproto.MethodType) (<-chan *Event, func()) {
	return c.watcher.subscribe(events...)
}

// Close sends a close frame and tears the connection down. Pending
// commands and subscribers are released.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.shutdown(fmt.Errorf("connection closed"))
	return err
}

func (c *Client) send(msg *cdproto.Message) error {
	buf, err := easyjson.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, buf)
}

// take removes and returns the waiter for id, if it is still pending.
func (c *Client) take(id int64) chan *cdproto.Message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("browser connection lost: %w", err))
			c.watcher.closeAll()
			return
		}

		var msg cdproto.Message
		if err := easyjson.Unmarshal(data, &msg); err != nil {
			c.logger.Warnf("CDP:read", "cannot decode frame: %v", err)
			continue
		}

		switch {
		case msg.Method != "":
			ev, err := cdproto.UnmarshalMessage(&msg)
			if err != nil {
				c.logger.Debugf("CDP:read", "cannot decode %s event: %v", msg.Method, err)
				continue
			}
			c.watcher.notify(&Event{
				Name:      msg.Method,
				Data:      ev,
				SessionID: string(msg.SessionID),
			})
		case msg.ID > 0:
			ch := c.take(msg.ID)
			if ch == nil {
				c.logger.Debugf("CDP:read", "dropping reply for unknown command id:%d", msg.ID)
				continue
			}
			ch <- &msg
		default:
			c.logger.Debugf("CDP:read", "dropping frame with neither id nor method")
		}
	}
}

// shutdown marks the connection dead. Pending waiters observe done and
// fail with the recorded cause.
func (c *Client) shutdown(err error) {
	c.downOnce.Do(func() {
		c.downErr = err
		close(c.done)
		c.logger.Debugf("CDP:shutdown", "%v", err)
	})
}

func (c *Client) downError() error {
	select {
	case <-c.done:
		return c.downErr
	default:
		return fmt.Errorf("connection closed")
	}
}
