package broadcast

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/frame-relay/internal/metrics"
	"go.uber.org/zap"
)

type fixture struct {
	hub     *Hub
	metrics *metrics.Metrics
	url     string
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	m := metrics.New()
	hub := NewHub(zap.NewNop(), m, opts)

	upgrader := websocket.Upgrader{WriteBufferSize: 4}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn, r.RemoteAddr)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})

	return &fixture{hub: hub, metrics: m, url: "ws" + strings.TrimPrefix(srv.URL, "http")}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := f.hub.Count()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return f.hub.Count() == before+1 }, 2*time.Second, time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) (int, []byte) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return typ, data
}

func TestHub_Text(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	f.hub.BroadcastText([]byte(`{"type":"status","camera":1,"status":"connected"}`))

	typ, data := read(t, conn)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.JSONEq(t, `{"type":"status","camera":1,"status":"connected"}`, string(data))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SubscribersConnected))
}

func TestHub_JoinSnapshot(t *testing.T) {
	f := newFixture(t, Options{Snapshot: func() [][]byte {
		return [][]byte{[]byte(`{"type":"status","camera":2,"status":"connected"}`)}
	}})
	conn := f.dial(t)

	f.hub.BroadcastText([]byte(`{"type":"motion","camera":2,"detected":true}`))

	_, first := read(t, conn)
	assert.JSONEq(t, `{"type":"status","camera":2,"status":"connected"}`, string(first))
	_, second := read(t, conn)
	assert.JSONEq(t, `{"type":"motion","camera":2,"detected":true}`, string(second))
}

func TestHub_ChunksFormOneMessage(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	f.hub.BroadcastBinary([]byte("abcd"), true, false)
	f.hub.BroadcastBinary([]byte("efgh"), false, false)
	f.hub.BroadcastBinary([]byte("ij"), false, true)
	f.hub.BroadcastBinary([]byte("xyz"), true, true)

	typ, data := read(t, conn)
	assert.Equal(t, websocket.BinaryMessage, typ)
	assert.Equal(t, "abcdefghij", string(data))

	_, data = read(t, conn)
	assert.Equal(t, "xyz", string(data))
}

func TestHub_ChunkCopied(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	chunk := []byte("frame")
	f.hub.BroadcastBinary(chunk, true, true)
	copy(chunk, "XXXXX")

	_, data := read(t, conn)
	assert.Equal(t, "frame", string(data))
}

func TestHub_MidFrameJoinSkipsToNextFrame(t *testing.T) {
	f := newFixture(t, Options{})
	early := f.dial(t)

	f.hub.BroadcastBinary([]byte("one-"), true, false)
	late := f.dial(t)
	f.hub.BroadcastBinary([]byte("end"), false, true)
	f.hub.BroadcastBinary([]byte("two"), true, true)

	_, data := read(t, early)
	assert.Equal(t, "one-end", string(data))
	_, data = read(t, early)
	assert.Equal(t, "two", string(data))

	_, data = read(t, late)
	assert.Equal(t, "two", string(data))
}

func TestHub_SlowSubscriberDropped(t *testing.T) {
	m := metrics.New()
	h := NewHub(zap.NewNop(), m, Options{QueueSize: 1})

	slow := &subscriber{id: "slow", send: make(chan item, 1)}
	fast := &subscriber{id: "fast", send: make(chan item, 8)}
	h.subs[slow] = struct{}{}
	h.subs[fast] = struct{}{}

	h.BroadcastText([]byte("a"))
	h.BroadcastText([]byte("b"))

	assert.Equal(t, 1, h.Count())
	assert.Len(t, fast.send, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriberDrops))

	<-slow.send
	_, open := <-slow.send
	assert.False(t, open, "dropped subscriber queue is closed")
}

func TestHub_ClientDisconnect(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, 2*time.Second, time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)

	f.hub.Close()
	assert.Equal(t, 0, f.hub.Count())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNoStatusReceived), "got %v", err)

	late, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
