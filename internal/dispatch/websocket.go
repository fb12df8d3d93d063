package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	jww "github.com/spf13/jwalterweatherman"

	"gwi.com/chatcore/internal/chaterr"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	maxFrameSize = 4096
	frameTimeout = 10 * time.Second
)

// FrameHandler applies the client-originated frames of a session.
type FrameHandler interface {
	Acknowledge(ctx context.Context, userID, messageID string) error
	MarkSeen(ctx context.Context, userID, chatID string) error
	Touch(ctx context.Context, userID string)
}

// Authenticator resolves the token query parameter to a user id.
type Authenticator func(token string) (string, error)

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
}

type errorPayload struct {
	Code    chaterr.Kind `json:"code"`
	Message string       `json:"message"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sessions authenticate with a token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWS upgrades authenticated requests to a WebSocket session on h.
func (h *Hub) ServeWS(auth Authenticator, frames FrameHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "token required", http.StatusUnauthorized)
			return
		}
		userID, err := auth(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			jww.ERROR.Printf("dispatch: websocket upgrade failed for %s: %v", userID, err)
			return
		}

		s := h.Register(userID)
		touch(frames, userID)
		go writePump(conn, s)
		h.readPump(conn, s, frames)
		touch(frames, userID)
	}
}

func touch(frames FrameHandler, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()
	frames.Touch(ctx, userID)
}

func (h *Hub) readPump(conn *websocket.Conn, s *Session, frames FrameHandler) {
	defer func() {
		h.Unregister(s)
		conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				jww.WARN.Printf("dispatch: websocket read error for %s: %v", s.UserID, err)
			}
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.SendTo(s, Event{Type: EventError, Payload: errorPayload{Code: chaterr.KindMalformedMessage, Message: "frame is not valid JSON"}})
			continue
		}
		h.handleFrame(s, frame, frames)
	}
}

func (h *Hub) handleFrame(s *Session, frame inboundFrame, frames FrameHandler) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case "ping":
		h.SendTo(s, Event{Type: EventPong})
		return
	case "ack":
		err = frames.Acknowledge(ctx, s.UserID, frame.MessageID)
	case "seen":
		err = frames.MarkSeen(ctx, s.UserID, frame.ChatID)
	default:
		err = chaterr.MalformedMessage("unknown frame type " + frame.Type)
	}
	if err != nil {
		jww.DEBUG.Printf("dispatch: %s frame from %s failed: %v", frame.Type, s.UserID, err)
		h.SendTo(s, Event{Type: EventError, Payload: errorPayload{Code: chaterr.KindOf(err), Message: err.Error()}})
	}
}

func writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.Messages():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				jww.DEBUG.Printf("dispatch: websocket write to %s failed: %v", s.UserID, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
