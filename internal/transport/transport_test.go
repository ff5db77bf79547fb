package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/frame-relay/internal/framebuf"
	"github.com/vmorsell/frame-relay/internal/slots"
	"github.com/vmorsell/frame-relay/pkg/model"
)

// pair returns a server-side Conn and the client websocket connected to it.
func pair(t *testing.T, opts Options) (*Conn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	conns := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		conns <- New(ws, opts)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case c := <-conns:
		t.Cleanup(func() { c.Close() })
		return c, client
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
		return nil, nil
	}
}

func waitPending(t *testing.T, c *Conn) {
	t.Helper()
	require.Eventually(t, c.Pending, 2*time.Second, time.Millisecond)
}

func TestConn_BinaryAndText(t *testing.T) {
	c, client := pair(t, Options{})
	buf := framebuf.New(framebuf.DefaultCapacity)

	assert.False(t, c.Pending())
	_, err := c.ReadInto(buf)
	assert.ErrorIs(t, err, slots.ErrNoMessage)

	frame := bytes.Repeat([]byte{0x7f}, 1000)
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, frame))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"type":"motion","detected":true}`)))

	waitPending(t, c)
	kind, err := c.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, model.KindBinary, kind)
	assert.Equal(t, frame, buf.Bytes())

	waitPending(t, c)
	kind, err = c.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, model.KindText, kind)
	assert.JSONEq(t, `{"type":"motion","detected":true}`, string(buf.Bytes()))
}

func TestConn_FrameTooLargeKeepsConnection(t *testing.T) {
	c, client := pair(t, Options{})
	buf := framebuf.New(64)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 65)))
	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 64)))

	waitPending(t, c)
	_, err := c.ReadInto(buf)
	assert.ErrorIs(t, err, framebuf.ErrFrameTooLarge)
	assert.Equal(t, 0, buf.Len())

	waitPending(t, c)
	_, err = c.ReadInto(buf)
	require.NoError(t, err)
	assert.Equal(t, 64, buf.Len())
}

func TestConn_MessageOverTransportLimit(t *testing.T) {
	c, client := pair(t, Options{MaxMessageSize: 128})
	buf := framebuf.New(64)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, make([]byte, 512)))

	waitPending(t, c)
	_, err := c.ReadInto(buf)
	assert.ErrorIs(t, err, slots.ErrConnClosed)
}

func TestConn_RemoteHangup(t *testing.T) {
	c, client := pair(t, Options{})
	buf := framebuf.New(64)

	require.NoError(t, client.Close())

	waitPending(t, c)
	_, err := c.ReadInto(buf)
	assert.ErrorIs(t, err, slots.ErrConnClosed)
}

func TestConn_CloseWithSendsCode(t *testing.T) {
	c, client := pair(t, Options{})

	require.NoError(t, c.CloseWith(websocket.CloseTryAgainLater, "producer capacity exceeded"))
	assert.NoError(t, c.Close(), "second close is a no-op")

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
	assert.Equal(t, "producer capacity exceeded", closeErr.Text)
}

func TestConn_Remote(t *testing.T) {
	c, _ := pair(t, Options{})
	assert.Contains(t, c.Remote(), "127.0.0.1")
}
