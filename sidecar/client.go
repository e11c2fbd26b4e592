// Package sidecar speaks to the semantic automation engine running as
// a child process. Frames are newline-delimited JSON-RPC 2.0 over the
// child's stdio: calls carry monotonically increasing ids and wait in
// a pending table for the matching response, notifications flow in
// both directions without ids. When the engine exits, every pending
// call fails.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webpilot/webpilot/api"
	"github.com/webpilot/webpilot/log"
)

// DefaultCallTimeout bounds a call the engine never answers.
const DefaultCallTimeout = 30 * time.Second

// maxFrameSize caps a single engine frame. Extraction results carry
// page text, so the ceiling is generous.
const maxFrameSize = 10 << 20

// message is one JSON-RPC 2.0 frame in either direction. A frame with
// an id is a call or its response; one with a method but no id is a
// notification.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *CallError      `json:"error,omitempty"`
}

// CallError is the error member of a JSON-RPC response.
type CallError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Notification is a server-initiated event pushed by the engine.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Client correlates calls with responses over one engine connection.
type Client struct {
	logger  *log.Logger
	timeout time.Duration

	writeMu sync.Mutex
	w       io.Writer

	msgID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *message

	notifications chan Notification

	done     chan struct{}
	downOnce sync.Once
	downErr  error
}

// Option configures a Client.
type Option func(*Client)

// WithCallTimeout overrides the default per-call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient wraps the engine's stdio pipes and starts reading frames.
// The reader goroutine stops when r is exhausted.
func NewClient(w io.Writer, r io.Reader, logger *log.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	c := &Client{
		logger:        logger,
		timeout:       DefaultCallTimeout,
		w:             w,
		pending:       make(map[int64]chan *message),
		notifications: make(chan Notification, 32),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop(r)
	return c
}

// Notifications streams events the engine pushes on its own. Slow
// consumers lose events rather than stalling the read loop.
func (c *Client) Notifications() <-chan Notification {
	return c.notifications
}

// Done is closed once the engine connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Call sends method with params and waits for the correlated
// response, decoding its result into result when non-nil.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	select {
	case <-c.done:
		return fmt.Errorf("%s call failed: %w", method, c.downError())
	default:
	}

	id := c.msgID.Add(1)
	frame := message{JSONRPC: "2.0", ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cannot encode %s params: %w", method, err)
		}
		frame.Params = raw
	}

	// Register before writing so a response racing the send still
	// finds its waiter.
	ch := make(chan *message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.send(frame); err != nil {
		c.take(id)
		return fmt.Errorf("cannot send %s call: %w", method, err)
	}
	c.logger.Debugf("Sidecar:Call", "sent %s id:%d", method, id)

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s call failed: %w", method, resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("cannot decode %s result: %w", method, err)
			}
		}
		return nil
	case <-timer.C:
		c.take(id)
		return &api.TimeoutError{Op: method, RequestID: strconv.FormatInt(id, 10), Timeout: c.timeout}
	case <-c.done:
		c.take(id)
		return fmt.Errorf("%s call failed: %w", method, c.downError())
	case <-ctx.Done():
		c.take(id)
		return fmt.Errorf("%s call aborted: %w", method, ctx.Err())
	}
}

// Notify sends a fire-and-forget notification to the engine.
func (c *Client) Notify(method string, params any) error {
	frame := message{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("cannot encode %s params: %w", method, err)
		}
		frame.Params = raw
	}
	if err := c.send(frame); err != nil {
		return fmt.Errorf("cannot send %s notification: %w", method, err)
	}
	return nil
}

func (c *Client) send(frame message) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.w.Write(buf)
	return err
}

// take removes and returns the waiter for id, if it is still pending.
func (c *Client) take(id int64) chan *message {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ch := c.pending[id]
	delete(c.pending, id)
	return ch
}

func (c *Client) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warnf("Sidecar:read", "cannot decode engine frame: %v", err)
			continue
		}
		switch {
		case msg.ID != nil:
			ch := c.take(*msg.ID)
			if ch == nil {
				c.logger.Debugf("Sidecar:read", "dropping response for unknown call id:%d", *msg.ID)
				continue
			}
			ch <- &msg
		case msg.Method != "":
			select {
			case c.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
			default:
				c.logger.Warnf("Sidecar:read", "dropping %s notification, consumer is lagging", msg.Method)
			}
		default:
			c.logger.Debugf("Sidecar:read", "dropping frame with neither id nor method")
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("engine closed its output")
	}
	c.shutdown(err)
}

// shutdown marks the connection dead. Pending waiters observe done
// and fail with the recorded cause.
func (c *Client) shutdown(err error) {
	c.downOnce.Do(func() {
		c.downErr = err
		close(c.done)
		c.logger.Debugf("Sidecar:shutdown", "engine connection closed: %v", err)
	})
}

func (c *Client) downError() error {
	select {
	case <-c.done:
		return c.downErr
	default:
		return fmt.Errorf("engine connection closed")
	}
}
