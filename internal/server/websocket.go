package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/michaelbrown/lessonforge/internal/storage"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // lessons are embedded cross-origin
	},
}

// wsOutgoing is a message to the client.
type wsOutgoing struct {
	Type   string          `json:"type"`
	Lesson *storage.Lesson `json:"lesson,omitempty"`
	Error  string          `json:"error,omitempty"`
}

const wsWriteWait = 10 * time.Second

// handleWebSocket pushes lesson snapshots every poll interval while the
// lesson changes, and closes the stream once its status is terminal.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	l, err := s.store.GetLesson(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Read loop: only to notice the client going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var lastUpdate time.Time
	for {
		if !l.UpdatedAt.Equal(lastUpdate) {
			if err := s.wsWriteJSON(conn, wsOutgoing{Type: "lesson", Lesson: l}); err != nil {
				return
			}
			lastUpdate = l.UpdatedAt
		}
		if l.Status.Terminal() {
			s.wsClose(conn, "lesson "+string(l.Status))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.store.GetLesson(ctx, l.ID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("websocket lesson poll failed", "lesson_id", l.ID, "error", err)
				s.wsWriteJSON(conn, wsOutgoing{Type: "error", Error: "lesson unavailable"})
			}
			return
		}
		l = next
	}
}

func (s *Server) wsWriteJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("websocket marshal error", "error", err)
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debug("websocket write error", "error", err)
		return err
	}
	return nil
}

func (s *Server) wsClose(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("websocket close error", "error", err)
	}
}
