package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(HubConfig{WriteTimeout: time.Second}, discardLogger())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func encodeFrame(t *testing.T, kind FrameKind, payload any) []byte {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	frame, err := json.Marshal(Frame{Version: FrameVersion, Kind: kind, SentAt: time.Now(), Data: body})
	require.NoError(t, err)
	return frame
}

func TestHub_BroadcastsFramesToEveryClient(t *testing.T) {
	t.Parallel()

	hub, srv := newHubServer(t)
	first := dialHub(t, srv)
	second := dialHub(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(context.Background(), FrameStatus,
		encodeFrame(t, FrameStatus, StatusPayload{Level: "lock", Decision: "hold"})))

	for _, conn := range []*websocket.Conn{first, second} {
		frame := readFrame(t, conn)
		assert.Equal(t, FrameStatus, frame.Kind)
	}
}

func TestHub_NewClientReceivesLatestFramesOnConnect(t *testing.T) {
	t.Parallel()

	hub, srv := newHubServer(t)

	require.NoError(t, hub.Publish(context.Background(), FrameReadings,
		encodeFrame(t, FrameReadings, map[string]int{"mo": 1})))
	require.NoError(t, hub.Publish(context.Background(), FrameStatus,
		encodeFrame(t, FrameStatus, StatusPayload{Level: "ambient"})))

	conn := dialHub(t, srv)

	// Replay is status first, then readings.
	assert.Equal(t, FrameStatus, readFrame(t, conn).Kind)
	assert.Equal(t, FrameReadings, readFrame(t, conn).Kind)
}

func TestHub_DeadClientIsDroppedWithoutStallingOthers(t *testing.T) {
	t.Parallel()

	hub, srv := newHubServer(t)
	dead := dialHub(t, srv)
	alive := dialHub(t, srv)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		2*time.Second, 10*time.Millisecond)

	dead.Close()

	// The hub only notices on write, so publish until the dead client
	// has been swept out.
	frame := encodeFrame(t, FrameFlags, map[string]bool{"off": false})
	require.Eventually(t, func() bool {
		require.NoError(t, hub.Publish(context.Background(), FrameFlags, frame))
		return hub.ClientCount() == 1
	}, 3*time.Second, 50*time.Millisecond, "dead client should be dropped")

	got := readFrame(t, alive)
	assert.Equal(t, FrameFlags, got.Kind, "surviving client keeps receiving")
}

func TestHub_ClientCountFollowsConnects(t *testing.T) {
	t.Parallel()

	hub, srv := newHubServer(t)
	assert.Zero(t, hub.ClientCount())

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestHub_RunStopsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	hub := NewHub(HubConfig{Addr: "127.0.0.1:0"}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- hub.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
