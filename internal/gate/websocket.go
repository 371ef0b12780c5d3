package gate

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/pushrelay/internal/types"
)

// ChannelIDHeader carries the transport-assigned id on the upgrade response.
const ChannelIDHeader = "X-Channel-Id"

const writeWait = 10 * time.Second

type wsChannel struct {
	id   types.ChannelID
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsChannel) ID() types.ChannelID { return c.id }

func (c *wsChannel) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *wsChannel) Close(reason string) error {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return c.conn.Close()
}

// Handler upgrades HTTP requests to websocket channels and runs them through
// the gate.
type Handler struct {
	gate     *Gate
	upgrader websocket.Upgrader
}

func NewHandler(g *Gate) *Handler {
	return &Handler{
		gate: g,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := types.NewChannelID()
	header := http.Header{}
	header.Set(ChannelIDHeader, string(id))

	conn, err := h.upgrader.Upgrade(w, r, header)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	ch := &wsChannel{id: id, conn: conn}
	h.gate.Open(ch)
	defer func() {
		h.gate.Close(id)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := h.gate.HandleMessage(id, data); err != nil {
			slog.Debug("gate message", "channel", string(id), "error", err)
		}
	}
}
