package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/zuiho-kai/claude-manager/internal/events"
)

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestWSTaskLogStream(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	conn := dial(t, wsURL(ts, "/ws/logs/7"))

	require.Eventually(t, func() bool {
		return a.server.ws.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.pub.Publish(events.New(7, "assistant", map[string]any{"text": "hi"}))

	msg := readMessage(t, conn)
	assert.Equal(t, int64(7), gjson.Get(msg, "task_id").Int())
	assert.Equal(t, "assistant", gjson.Get(msg, "event_type").String())
	assert.Equal(t, "hi", gjson.Get(msg, "payload.text").String())
}

func TestWSTaskStreamIsScoped(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	conn := dial(t, wsURL(ts, "/ws/logs/1"))
	require.Eventually(t, func() bool {
		return a.server.ws.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.pub.Publish(events.New(2, "assistant", "other task"))
	a.pub.Publish(events.New(1, "result", "mine"))

	msg := readMessage(t, conn)
	assert.Equal(t, int64(1), gjson.Get(msg, "task_id").Int())
	assert.Equal(t, "result", gjson.Get(msg, "event_type").String())
}

func TestWSGlobalEventStream(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	conn := dial(t, wsURL(ts, "/ws/events"))
	require.Eventually(t, func() bool {
		return a.server.ws.ConnectionCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	a.pub.Publish(events.New(3, "tool_use", nil))
	a.pub.Publish(events.New(9, "system", nil))

	first := readMessage(t, conn)
	assert.Equal(t, int64(3), gjson.Get(first, "task_id").Int())
	second := readMessage(t, conn)
	assert.Equal(t, int64(9), gjson.Get(second, "task_id").Int())
}

func TestWSDisconnectUnsubscribes(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	conn := dial(t, wsURL(ts, "/ws/logs/5"))
	require.Eventually(t, func() bool {
		return a.pub.SubscriberCount(5) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return a.pub.SubscriberCount(5) == 0 && a.server.ws.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWSInvalidTaskID(t *testing.T) {
	a := newTestAPI(t)
	ts := httptest.NewServer(a.handler)
	t.Cleanup(ts.Close)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws/logs/abc"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
