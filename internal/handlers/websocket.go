package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"rewards-miniapp/internal/notify"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type NotificationSource interface {
	Subscribe(buffer int) (<-chan notify.Notification, func())
	Recent() []notify.Notification
}

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	MessageState         = "STATE_UPDATE"
	MessageIdentity      = "IDENTITY"
	MessageNotification  = "NOTIFICATION"
	MessageNotifications = "NOTIFICATIONS"
	MessagePing          = "PING"
	MessagePong          = "PONG"
)

// WebSocketHandler pushes the live projection, the signed-in identity and
// ledger notifications to the mini-app.
type WebSocketHandler struct {
	sessions      Sessions
	state         StateSource
	notifications NotificationSource
	logger        *slog.Logger
}

func NewWebSocketHandler(sessions Sessions, state StateSource, notifications NotificationSource, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		sessions:      sessions,
		state:         state,
		notifications: notifications,
		logger:        logger.With("component", "websocket"),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()
	h.logger.Info("client connected", "user_id", userID)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	replies := make(chan Message, 4)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.writeLoop(ctx, conn, replies)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("websocket read failed", "user_id", userID, "error", err)
			}
			break
		}
		if msg.Type == MessagePing {
			select {
			case replies <- Message{Type: MessagePong, Data: gin.H{"timestamp": time.Now().Unix()}}:
			default:
			}
		}
	}

	cancel()
	<-done
	h.logger.Info("client disconnected", "user_id", userID)
}

// writeLoop is the only writer on conn.
func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, replies <-chan Message) {
	states, cancelState := h.state.Watch()
	defer cancelState()
	identities, cancelIdentity := h.sessions.Watch()
	defer cancelIdentity()
	notes, cancelNotes := h.notifications.Subscribe(16)
	defer cancelNotes()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	if err := h.write(conn, Message{Type: MessageNotifications, Data: h.notifications.Recent()}); err != nil {
		return
	}

	for {
		var msg Message
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case st := <-states:
			msg = Message{Type: MessageState, Data: st}
		case id := <-identities:
			msg = Message{Type: MessageIdentity, Data: id}
		case n, ok := <-notes:
			if !ok {
				return
			}
			msg = Message{Type: MessageNotification, Data: n}
		case msg = <-replies:
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		}
		if err := h.write(conn, msg); err != nil {
			h.logger.Debug("websocket write failed", "type", msg.Type, "error", err)
			return
		}
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
