package chat

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tjfontaine/cartpilot-concierge/internal/conversation"
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

const wsWriteWait = 10 * time.Second

// Websocket frame types.
const (
	FrameSnapshot = "snapshot"
	FrameMessage  = "message"
	FrameError    = "error"
)

// ClientFrame is a frame sent by the browser.
type ClientFrame struct {
	Type string `json:"type"`
	MessageRequest
}

// ServerFrame is a frame sent to the browser.
type ServerFrame struct {
	Type     string                 `json:"type"`
	Snapshot *conversation.Snapshot `json:"snapshot,omitempty"`
	Error    *domain.APIError       `json:"error,omitempty"`
}

// HandleWebsocket upgrades to a websocket that pushes snapshots and accepts
// message frames as submissions.
func (h *Handler) HandleWebsocket(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.conversation(w, r)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxBodyBytes)

	logger := h.logger.With(slog.String("conversation_id", conv.ID()))
	logger.Info("websocket connected")

	updates, unsubscribe := conv.Subscribe()
	defer unsubscribe()

	frames := make(chan ClientFrame)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var f ClientFrame
			if err := conn.ReadJSON(&f); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-done:
				return
			}
		}
	}()

	ping := time.NewTicker(h.keepAlive)
	defer ping.Stop()

	write := func(f ServerFrame) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			logger.Debug("websocket write failed", slog.String("error", err.Error()))
			return false
		}
		return true
	}

	for {
		select {
		case <-r.Context().Done():
			return

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("websocket read failed", slog.String("error", err.Error()))
			}
			return

		case snap, ok := <-updates:
			if !ok || !write(ServerFrame{Type: FrameSnapshot, Snapshot: &snap}) {
				return
			}

		case f := <-frames:
			if err := h.submitFrame(r, conv, f); err != nil {
				if !write(ServerFrame{Type: FrameError, Error: domain.AsAPIError(err)}) {
					return
				}
			}

		case <-ping.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (h *Handler) submitFrame(r *http.Request, conv *conversation.Conversation, f ClientFrame) error {
	if f.Type != FrameMessage {
		return domain.ErrInvalidRequest("unknown frame type: " + f.Type)
	}
	sub, err := f.Submission()
	if err != nil {
		return err
	}
	_, err = conv.Submit(r.Context(), sub)
	return err
}
