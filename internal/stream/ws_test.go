package stream

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/stageflow/internal/domain"
)

type wireFrame struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func dial(t *testing.T, h *Hub, idle time.Duration) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewHandler(h, idle, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() }) //nolint:errcheck
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func TestHandler_SubscribeAndReceive(t *testing.T) {
	h := newTestHub()
	ws := dial(t, h, time.Minute)

	welcome := readFrame(t, ws)
	assert.Equal(t, FrameWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.Data["connection_id"])

	require.NoError(t, ws.WriteJSON(map[string]any{"action": "subscribe", "types": []string{"performance"}}))
	ack := readFrame(t, ws)
	assert.Equal(t, FrameSubscribed, ack.Type)

	h.Broadcast(context.Background(), domain.MetricSample{Type: domain.MetricTaskProgress, Value: 1})
	h.Broadcast(context.Background(), domain.MetricSample{
		Type: domain.MetricPerformance, Value: 42, Tags: map[string]string{"stage": "verify"},
	})

	f := readFrame(t, ws)
	assert.Equal(t, "performance", f.Type, "task-progress frame was never sent")
	assert.Equal(t, 42.0, f.Data["value"])
	assert.False(t, f.Timestamp.IsZero())
}

func TestHandler_PingPongAndRejects(t *testing.T) {
	h := newTestHub()
	ws := dial(t, h, time.Minute)
	readFrame(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, FramePong, readFrame(t, ws).Type)

	require.NoError(t, ws.WriteJSON(map[string]any{"action": "subscribe", "types": []string{"cpu"}}))
	assert.Equal(t, FrameRejected, readFrame(t, ws).Type)

	require.NoError(t, ws.WriteJSON(map[string]string{"action": "dance"}))
	assert.Equal(t, FrameRejected, readFrame(t, ws).Type)
}

func TestHandler_IdleTimeoutDisconnects(t *testing.T) {
	h := newTestHub()
	ws := dial(t, h, 50*time.Millisecond)
	readFrame(t, ws)

	require.Eventually(t, func() bool { return len(h.Connections()) == 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "server closed the connection")
}
