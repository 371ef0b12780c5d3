package gate

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	id := resp.Header.Get(ChannelIDHeader)
	require.NotEmpty(t, id)
	return conn, id
}

func TestWebsocket_HandshakeAndPush(t *testing.T) {
	g := New("s3cret", 5*time.Second)
	srv := httptest.NewServer(NewHandler(g))
	defer srv.Close()

	conn, id := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Handshake{Pass: "s3cret", ID: id, PushID: "p1"}))

	var ack Ack
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.True(t, ack.OK)
	assert.Equal(t, id, string(ack.Connection))

	require.NoError(t, g.Send("p1", map[string]any{"value": []int{1000}}))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, []any{float64(1000)}, got["value"])
}

func TestWebsocket_RejectedHandshakeCloses(t *testing.T) {
	g := New("s3cret", 5*time.Second)
	srv := httptest.NewServer(NewHandler(g))
	defer srv.Close()

	conn, id := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Handshake{Pass: "nope", ID: id, PushID: "p1"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, ReasonPassMismatch, ce.Text)
	assert.Zero(t, g.Count())
}

func TestWebsocket_TimeoutCloses(t *testing.T) {
	g := New("s3cret", 30*time.Millisecond)
	srv := httptest.NewServer(NewHandler(g))
	defer srv.Close()

	conn, _ := dial(t, srv)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ReasonTimeout, ce.Text)
}

func TestWebsocket_DisconnectUnregisters(t *testing.T) {
	g := New("s3cret", 5*time.Second)
	srv := httptest.NewServer(NewHandler(g))
	defer srv.Close()

	conn, id := dial(t, srv)
	require.NoError(t, conn.WriteJSON(Handshake{Pass: "s3cret", ID: id, PushID: "p1"}))
	var ack Ack
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, 1, g.Count())

	conn.Close()
	assert.Eventually(t, func() bool { return g.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
