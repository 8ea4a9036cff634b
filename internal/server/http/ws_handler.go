package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"relay/internal/logging"
	"relay/internal/server/app"
	"relay/internal/server/ports"
)

const (
	// Time allowed to write a frame to the peer before it is treated as
	// disconnected.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Clients only send small control frames.
	maxFrameSize = 64 << 10

	controlQueueSize = 16
)

// clientFrame is the inbound control envelope. subscribe is the only request
// the protocol defines; switching sessions is just another subscribe.
type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Replay    *bool  `json:"replay,omitempty"`
}

// serverFrame is the outbound envelope for control responses and broadcast
// events.
type serverFrame struct {
	Type      string          `json:"type"`
	Success   *bool           `json:"success,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func eventFrame(msg ports.BufferedMessage) serverFrame {
	ts := msg.Timestamp
	return serverFrame{
		Type:      string(msg.Kind),
		SessionID: msg.SessionID,
		Seq:       msg.Seq,
		Timestamp: &ts,
		Payload:   msg.Payload,
	}
}

func subscribeResultFrame(success bool, sessionID string) serverFrame {
	return serverFrame{
		Type:      "subscribe-result",
		Success:   &success,
		SessionID: sessionID,
	}
}

func protocolErrorFrame(message string) serverFrame {
	return serverFrame{
		Type:  "error",
		Error: message,
	}
}

// StreamHandler upgrades client connections and bridges them to the hub.
type StreamHandler struct {
	hub           *app.Hub
	replayDefault bool
	upgrader      websocket.Upgrader
	logger        logging.Logger
}

// NewStreamHandler creates a websocket stream handler. replayDefault decides
// whether a subscribe without an explicit replay field gets the buffer flush.
func NewStreamHandler(hub *app.Hub, replayDefault bool) *StreamHandler {
	return &StreamHandler{
		hub:           hub,
		replayDefault: replayDefault,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Cross-origin policy is enforced by the CORS middleware;
				// authentication happens before connections reach this core.
				return true
			},
		},
		logger: logging.NewComponentLogger("StreamHandler"),
	}
}

// HandleStream is the websocket endpoint. The read loop handles subscribe
// requests; a dedicated write pump drains the subscriber queue so no network
// write ever happens under hub locks.
func (h *StreamHandler) HandleStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed: %v", err)
		return
	}

	sub := h.hub.Register()
	defer h.hub.Deregister(sub)

	h.logger.Info("Stream connection %s established", sub.ID())

	control := make(chan serverFrame, controlQueueSize)
	writerDone := make(chan struct{})
	go h.writePump(conn, sub, control, writerDone)

	h.readPump(c, conn, sub, control, writerDone)
	h.logger.Info("Stream connection %s closed", sub.ID())
}

func (h *StreamHandler) readPump(c *gin.Context, conn *websocket.Conn, sub *app.Subscriber, control chan<- serverFrame, writerDone <-chan struct{}) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("Read failed on %s: %v", sub.ID(), err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Protocol error: structured failure response, connection stays open.
			if !h.sendControl(control, writerDone, protocolErrorFrame("malformed request")) {
				return
			}
			continue
		}

		switch frame.Type {
		case "subscribe":
			replay := h.replayDefault
			if frame.Replay != nil {
				replay = *frame.Replay
			}
			// The ack fires before the hub flushes any replay onto the
			// queue, so the client sees subscribe-result ahead of the
			// backfilled history.
			sessionID := frame.SessionID
			writerGone := false
			h.hub.Subscribe(c.Request.Context(), sub, sessionID, replay,
				app.WithSubscribeAck(func(success bool) {
					if !h.sendControl(control, writerDone, subscribeResultFrame(success, sessionID)) {
						writerGone = true
					}
				}))
			if writerGone {
				return
			}
		default:
			if !h.sendControl(control, writerDone, protocolErrorFrame("unknown message type: "+frame.Type)) {
				return
			}
		}
	}
}

// sendControl hands a control frame to the write pump. Returns false when the
// writer has exited, which means the connection is gone.
func (h *StreamHandler) sendControl(control chan<- serverFrame, writerDone <-chan struct{}, frame serverFrame) bool {
	select {
	case control <- frame:
		return true
	case <-writerDone:
		return false
	}
}

// drainControl writes any pending control frames. Returns false on a write
// failure.
func (h *StreamHandler) drainControl(conn *websocket.Conn, sub *app.Subscriber, control <-chan serverFrame) bool {
	for {
		select {
		case frame := <-control:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Warn("Write failed on %s: %v", sub.ID(), err)
				return false
			}
		default:
			return true
		}
	}
}

// writePump is the single writer for the connection. A write-deadline failure
// closes the connection, which unblocks the read loop and triggers cleanup.
func (h *StreamHandler) writePump(conn *websocket.Conn, sub *app.Subscriber, control <-chan serverFrame, writerDone chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(writerDone)
		_ = conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.Events():
			if !ok {
				// Deregistered: tell the peer and stop.
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Control responses queued before this message go out first: a
			// subscribe-result must precede the replayed history behind it.
			if !h.drainControl(conn, sub, control) {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(eventFrame(msg)); err != nil {
				h.logger.Warn("Write failed on %s: %v", sub.ID(), err)
				return
			}

		case frame := <-control:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				h.logger.Warn("Write failed on %s: %v", sub.ID(), err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
