package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) *httptest.Server {
	t.Helper()
	hub := NewHub()
	go hub.Run()
	server := httptest.NewServer(http.HandlerFunc(ServeWS(hub)))
	t.Cleanup(server.Close)
	return server
}

func dialRelay(t *testing.T, server *httptest.Server, room, peer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?room=" + room + "&peer=" + peer
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestRelayForwardsEnvelopesVerbatim(t *testing.T) {
	server := startRelay(t)

	a := dialRelay(t, server, "roomtag1", "peer-a")
	b := dialRelay(t, server, "roomtag1", "peer-b")

	// a is told that b arrived.
	joined := readFrame(t, a)
	assert.Equal(t, FramePeerJoined, joined.Type)
	assert.Equal(t, "peer-b", joined.Peer)

	// The relay must not touch payload or tag.
	require.NoError(t, a.WriteJSON(&Frame{
		Type:    FrameEnvelope,
		Payload: `{"kind":"announce","from":"peer-a"}`,
		AuthTag: "deadbeef",
	}))

	got := readFrame(t, b)
	assert.Equal(t, FrameEnvelope, got.Type)
	assert.Equal(t, "peer-a", got.Peer)
	assert.Equal(t, `{"kind":"announce","from":"peer-a"}`, got.Payload)
	assert.Equal(t, "deadbeef", got.AuthTag)
}

func TestRelayScopesRooms(t *testing.T) {
	server := startRelay(t)

	a := dialRelay(t, server, "roomtag1", "peer-a")
	other := dialRelay(t, server, "roomtag2", "peer-x")

	require.NoError(t, other.WriteJSON(&Frame{Type: FrameEnvelope, Payload: "p", AuthTag: "t"}))

	// Nothing may reach a from another room.
	a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var frame Frame
	err := a.ReadJSON(&frame)
	assert.Error(t, err)
}

func TestRelayPeerLeft(t *testing.T) {
	server := startRelay(t)

	a := dialRelay(t, server, "roomtag1", "peer-a")
	b := dialRelay(t, server, "roomtag1", "peer-b")
	_ = readFrame(t, a) // peer_joined for b

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	b.Close()

	left := readFrame(t, a)
	assert.Equal(t, FramePeerLeft, left.Type)
	assert.Equal(t, "peer-b", left.Peer)
}

func TestRelayRejectsMissingParams(t *testing.T) {
	server := startRelay(t)

	resp, err := http.Get(server.URL + "?room=only-room")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRelayRejectsUnknownFrameType(t *testing.T) {
	server := startRelay(t)

	a := dialRelay(t, server, "roomtag1", "peer-a")
	require.NoError(t, a.WriteJSON(&Frame{Type: "bogus"}))

	got := readFrame(t, a)
	assert.Equal(t, FrameError, got.Type)
	assert.NotEmpty(t, got.Error)
}
