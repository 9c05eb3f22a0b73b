package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"ember/relay/internal/mailbox"
	"ember/relay/internal/metrics"
	"ember/relay/internal/protocol"
	"ember/relay/internal/room"
	"ember/relay/internal/totals"
)

const (
	writeTimeout = 5 * time.Second
	pingPeriod   = 30 * time.Second
	pongTimeout  = 60 * time.Second

	roomReadLimit = 8 << 20
	chatReadLimit = 256 << 10
)

// Handler owns websocket transport for the relay. Sockets are
// classified at handshake by query parameter: chatFingerprint binds a
// chat socket, roomId joins a room, and chatFingerprint wins when both
// are present.
type Handler struct {
	rooms    *room.Registry
	queue    *mailbox.Queue
	sink     *totals.Sink
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to the room registry and
// the mailbox queue.
func NewHandler(rooms *room.Registry, queue *mailbox.Queue, sink *totals.Sink) *Handler {
	return &Handler{
		rooms: rooms,
		queue: queue,
		sink:  sink,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register installs the upgrade interceptor ahead of the router. A
// websocket handshake is honored on any path.
func (h *Handler) Register(e *echo.Echo) {
	e.Pre(h.intercept)
}

func (h *Handler) intercept(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !websocket.IsWebSocketUpgrade(c.Request()) {
			return next(c)
		}
		return h.handle(c)
	}
}

func (h *Handler) handle(c echo.Context) error {
	query := c.Request().URL.Query()
	fingerprint := query.Get("chatFingerprint")
	roomID := query.Get("roomId")

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	switch {
	case fingerprint != "":
		metrics.Connections.Inc()
		h.serveChat(conn, fingerprint)
	case roomID != "":
		metrics.Connections.Inc()
		h.serveRoom(conn, roomID)
	default:
		_ = conn.Close()
	}
	return nil
}

func (h *Handler) serveRoom(conn *websocket.Conn, roomID string) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadLimit(roomReadLimit)

	member, created, err := h.rooms.Join(roomID)
	if err != nil {
		if errors.Is(err, room.ErrBurned) {
			h.writeDestroyed(conn, roomID)
		}
		return
	}
	if created {
		h.sink.Increment(totals.RoomsCreated)
		metrics.RoomsCreated.Inc()
	}

	defer h.rooms.Leave(roomID, member)

	go roomWriteLoop(conn, member.Send)

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if kind == websocket.TextMessage && isBurnControl(data, roomID) {
			h.rooms.Burn(roomID)
			metrics.RoomsBurned.Inc()
			// Keep reading so the write loop flushes the destruction
			// notice before the socket comes down.
			continue
		}
		h.rooms.Relay(roomID, member.ID, room.Frame{Kind: kind, Data: data})
		metrics.FramesRelayed.Inc()
	}
}

func (h *Handler) serveChat(conn *websocket.Conn, fingerprint string) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadLimit(chatReadLimit)

	session := h.queue.Attach(fingerprint)
	metrics.ChatSockets.Inc()
	defer metrics.ChatSockets.Dec()
	defer h.queue.Detach(session)

	go chatWriteLoop(conn, session.Send)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in protocol.Inbound
		if err := json.Unmarshal(data, &in); err != nil {
			// Unparseable chat frames are dropped, not a disconnect.
			continue
		}
		if in.Type == protocol.TypeAck && len(in.MessageIDs) > 0 {
			h.queue.Ack(fingerprint, in.MessageIDs)
		}
	}
}

// roomWriteLoop drains a member's send channel onto the socket and
// keeps the connection alive with pings. The channel closing means the
// member was removed; the loop then says goodbye and tears the
// connection down, which also unblocks the read loop.
func roomWriteLoop(conn *websocket.Conn, send <-chan room.Frame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case f, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(f.Kind, f.Data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func chatWriteLoop(conn *websocket.Conn, send <-chan protocol.ChatFrame) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case f, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// isBurnControl reports whether a text frame is the burn command for
// this room. Anything that fails to parse is opaque ciphertext and gets
// relayed untouched.
func isBurnControl(data []byte, roomID string) bool {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return false
	}
	return in.Type == protocol.TypeControl && in.Action == protocol.ActionBurnRoom && in.RoomID == roomID
}

func (h *Handler) writeDestroyed(conn *websocket.Conn, roomID string) {
	b, _ := json.Marshal(protocol.RoomDestroyed{Type: protocol.TypeRoomDestroyed, RoomID: roomID})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, b)
}
