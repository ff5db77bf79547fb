package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmorsell/frame-relay/pkg/model"
	"go.uber.org/zap"
)

func TestFillFrame(t *testing.T) {
	frame := make([]byte, 64)
	fillFrame(frame, 7, 0x02)

	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xE0}, frame[:4])
	tag, ok := model.IdentityTag(frame)
	require.True(t, ok)
	assert.Equal(t, model.Camera2, tag)
}

func TestMotionPayload(t *testing.T) {
	payload, err := motionPayload(true)
	require.NoError(t, err)

	var msg model.ControlMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.True(t, msg.IsMotion())
	assert.True(t, *msg.Detected)
}

func TestOptionsValidate(t *testing.T) {
	valid := options{camera: 1, size: 1024, fps: 5}
	require.NoError(t, valid.validate())

	bad := options{camera: 300, size: 4, fps: 0}
	err := bad.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera")
	assert.Contains(t, err.Error(), "size")
	assert.Contains(t, err.Error(), "fps")
}

type received struct {
	mu       sync.Mutex
	binaries int
	texts    []string
}

func TestRun_SendsFramesAndMotion(t *testing.T) {
	var got received
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			got.mu.Lock()
			if typ == websocket.BinaryMessage {
				got.binaries++
			} else {
				got.texts = append(got.texts, string(data))
			}
			got.mu.Unlock()
		}
	}))
	defer srv.Close()

	opts := options{
		url:         "ws" + strings.TrimPrefix(srv.URL, "http"),
		camera:      1,
		size:        256,
		fps:         200,
		motionEvery: 5 * time.Millisecond,
		frames:      10,
	}
	require.NoError(t, run(context.Background(), zap.NewNop(), opts))

	require.Eventually(t, func() bool {
		got.mu.Lock()
		defer got.mu.Unlock()
		return got.binaries == 10
	}, 2*time.Second, time.Millisecond)

	got.mu.Lock()
	defer got.mu.Unlock()
	for _, text := range got.texts {
		var msg model.ControlMessage
		require.NoError(t, json.Unmarshal([]byte(text), &msg))
		assert.True(t, msg.IsMotion())
	}
}

func TestRun_RelayRefuses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "producer capacity exceeded"),
			time.Now().Add(time.Second))
		conn.Close()
	}))
	defer srv.Close()

	opts := options{url: "ws" + strings.TrimPrefix(srv.URL, "http"), camera: 1, size: 64, fps: 1}
	err := run(context.Background(), zap.NewNop(), opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "producer capacity exceeded")
}
