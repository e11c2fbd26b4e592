package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/gorilla/websocket"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webpilot/webpilot/log"
)

// wsReply is one scripted command response. A nil *wsReply from the
// handler leaves the command unanswered.
type wsReply struct {
	result any
	err    *cdproto.Error
}

func resultReply(v any) *wsReply { return &wsReply{result: v} }

func errorReply(code int64, msg string) *wsReply {
	return &wsReply{err: &cdproto.Error{Code: code, Message: msg}}
}

// fakeBrowser is a websocket peer speaking just enough of the protocol
// for tests: handle scripts each command's reply, push injects events.
type fakeBrowser struct {
	t      *testing.T
	srv    *httptest.Server
	handle func(msg *cdproto.Message) *wsReply

	connected chan struct{}

	wmu  sync.Mutex
	conn *websocket.Conn

	mu       sync.Mutex
	received []*cdproto.Message
}

func newFakeBrowser(t *testing.T, handle func(msg *cdproto.Message) *wsReply) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, handle: handle, connected: make(chan struct{})}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.wmu.Lock()
		fb.conn = conn
		fb.wmu.Unlock()
		close(fb.connected)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg cdproto.Message
			if err := easyjson.Unmarshal(data, &msg); err != nil {
				continue
			}
			fb.mu.Lock()
			fb.received = append(fb.received, &msg)
			fb.mu.Unlock()

			if fb.handle == nil {
				continue
			}
			reply := fb.handle(&msg)
			if reply == nil {
				continue
			}
			frame := map[string]any{"id": msg.ID}
			if msg.SessionID != "" {
				frame["sessionId"] = msg.SessionID
			}
			if reply.err != nil {
				frame["error"] = map[string]any{"code": reply.err.Code, "message": reply.err.Message}
			} else if reply.result != nil {
				frame["result"] = reply.result
			} else {
				frame["result"] = map[string]any{}
			}
			fb.write(frame)
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) url() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func (fb *fakeBrowser) write(v any) {
	buf, err := json.Marshal(v)
	require.NoError(fb.t, err)
	fb.wmu.Lock()
	defer fb.wmu.Unlock()
	require.NoError(fb.t, fb.conn.WriteMessage(websocket.TextMessage, buf))
}

// push sends an event frame to the client.
func (fb *fakeBrowser) push(method string, params any, sessionID string) {
	<-fb.connected
	frame := map[string]any{"method": method}
	if params != nil {
		frame["params"] = params
	}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	fb.write(frame)
}

func (fb *fakeBrowser) closeConn() {
	<-fb.connected
	fb.wmu.Lock()
	defer fb.wmu.Unlock()
	_ = fb.conn.Close()
}

func (fb *fakeBrowser) messages() []*cdproto.Message {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]*cdproto.Message, len(fb.received))
	copy(out, fb.received)
	return out
}

func (fb *fakeBrowser) methodsSeen() []string {
	var out []string
	for _, m := range fb.messages() {
		out = append(out, string(m.Method))
	}
	return out
}

// paramsOf decodes the params of the first received command with the
// method, failing the test when none arrived.
func (fb *fakeBrowser) paramsOf(method string) map[string]any {
	fb.t.Helper()
	for _, m := range fb.messages() {
		if string(m.Method) != method {
			continue
		}
		var params map[string]any
		if len(m.Params) > 0 {
			require.NoError(fb.t, json.Unmarshal(m.Params, &params))
		}
		return params
	}
	fb.t.Fatalf("no %s command received", method)
	return nil
}

func newTestClient(t *testing.T, fb *fakeBrowser) *Client {
	t.Helper()
	c, err := Connect(context.Background(), fb.url(), log.NewNullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	<-fb.connected
	return c
}

func TestExecuteRoundTrip(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		if msg.Method == "Browser.getVersion" {
			return resultReply(map[string]any{
				"protocolVersion": "1.3",
				"product":         "Chrome/126.0.6478.55",
				"revision":        "r1",
				"userAgent":       "ua",
				"jsVersion":       "12.6",
			})
		}
		return resultReply(nil)
	})
	c := newTestClient(t, fb)

	product, protocol, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Chrome/126.0.6478.55", product)
	assert.Equal(t, "1.3", protocol)

	msgs := fb.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "Browser.getVersion", string(msgs[0].Method))
	assert.Empty(t, string(msgs[0].SessionID))
}

func TestExecuteCommandError(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		return errorReply(-32602, "No target with given id found")
	})
	c := newTestClient(t, fb)

	err := c.ClosePage(context.Background(), "T404")
	require.Error(t, err)
	assert.ErrorContains(t, err, "No target with given id found")
	assert.ErrorContains(t, err, `cannot close target "T404"`)
}

func TestExecuteSessionRouting(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		if msg.Method == "Page.navigate" {
			return resultReply(map[string]any{"frameId": "F1", "loaderId": "L1"})
		}
		return resultReply(nil)
	})
	c := newTestClient(t, fb)

	sctx := WithSessionID(context.Background(), "SESS1")
	require.NoError(t, c.Navigate(sctx, "https://shop.example.com"))

	msgs := fb.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Page.navigate", string(msgs[0].Method))
	assert.Equal(t, "SESS1", string(msgs[0].SessionID))
	assert.Equal(t, map[string]any{"url": "https://shop.example.com"}, fb.paramsOf("Page.navigate"))
}

func TestNavigateReportsChromeErrorText(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		return resultReply(map[string]any{
			"frameId":   "F1",
			"loaderId":  "L1",
			"errorText": "net::ERR_NAME_NOT_RESOLVED",
		})
	})
	c := newTestClient(t, fb)

	err := c.Navigate(context.Background(), "https://nowhere.invalid")
	require.Error(t, err)
	assert.EqualError(t, err,
		`navigation to "https://nowhere.invalid" failed: net::ERR_NAME_NOT_RESOLVED`)
}

func TestPageLifecycleWrappers(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply {
		switch string(msg.Method) {
		case "Target.createTarget":
			return resultReply(map[string]any{"targetId": "T1"})
		case "Target.attachToTarget":
			return resultReply(map[string]any{"sessionId": "SESS1"})
		case "Target.getTargets":
			return resultReply(map[string]any{"targetInfos": []any{
				map[string]any{
					"targetId": "T1", "type": "page", "title": "Shop",
					"url": "https://shop.example.com", "attached": true,
					"canAccessOpener": false,
				},
			}})
		}
		return resultReply(nil)
	})
	c := newTestClient(t, fb)
	ctx := context.Background()

	tid, err := c.NewPage(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "T1", tid)
	assert.Equal(t, map[string]any{"url": "about:blank"}, fb.paramsOf("Target.createTarget"))

	sid, err := c.AttachToPage(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, "SESS1", sid)
	attach := fb.paramsOf("Target.attachToTarget")
	assert.Equal(t, "T1", attach["targetId"])
	assert.Equal(t, true, attach["flatten"])

	infos, err := c.Targets(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, target.ID("T1"), infos[0].TargetID)
	assert.Equal(t, "Shop", infos[0].Title)

	require.NoError(t, c.ClosePage(ctx, tid))
	assert.Equal(t, map[string]any{"targetId": "T1"}, fb.paramsOf("Target.closeTarget"))
}

func TestSubscribeDeliversTypedEvents(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, nil)
	c := newTestClient(t, fb)

	events, cancel := c.Subscribe(cdproto.EventTargetTargetCreated)
	defer cancel()

	fb.push("Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{
			"targetId": "T9", "type": "page", "title": "", "url": "about:blank",
			"attached": false, "canAccessOpener": false,
		},
	}, "S9")

	select {
	case ev := <-events:
		assert.Equal(t, cdproto.EventTargetTargetCreated, ev.Name)
		assert.Equal(t, "S9", ev.SessionID)
		created, ok := ev.Data.(*target.EventTargetCreated)
		require.True(t, ok, "event data is %T", ev.Data)
		assert.Equal(t, target.ID("T9"), created.TargetInfo.TargetID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSubscribeIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, nil)
	c := newTestClient(t, fb)

	events, cancel := c.Subscribe(cdproto.EventTargetTargetDestroyed)
	defer cancel()

	fb.push("Target.targetCreated", map[string]any{
		"targetInfo": map[string]any{
			"targetId": "T9", "type": "page", "title": "", "url": "about:blank",
			"attached": false, "canAccessOpener": false,
		},
	}, "")
	fb.push("Target.targetDestroyed", map[string]any{"targetId": "T9"}, "")

	select {
	case ev := <-events:
		assert.Equal(t, cdproto.EventTargetTargetDestroyed, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %s", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, nil)
	c := newTestClient(t, fb)

	events, cancel := c.Subscribe(cdproto.EventTargetTargetCreated)
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
}

func TestPendingCommandsFailOnDisconnect(t *testing.T) {
	t.Parallel()

	// The handler never answers, so the command is still pending when
	// the connection drops.
	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply { return nil })
	c := newTestClient(t, fb)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.Version(context.Background())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(fb.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	fb.closeConn()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorContains(t, err, "browser connection lost")
	case <-time.After(2 * time.Second):
		t.Fatal("pending command did not fail")
	}

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after disconnect")
	}

	// New commands fail fast once the connection is gone.
	_, _, err := c.Version(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "browser connection lost")
}

func TestExecuteHonorsContextCancel(t *testing.T) {
	t.Parallel()

	fb := newFakeBrowser(t, func(msg *cdproto.Message) *wsReply { return nil })
	c := newTestClient(t, fb)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.Version(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	_, err := Connect(context.Background(), url, log.NewNullLogger())
	require.Error(t, err)
	assert.ErrorContains(t, err, "cannot connect to")
}
