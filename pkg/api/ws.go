package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// watchInstall streams progress snapshots of one installation as JSON text
// frames, then closes normally once the installation is finished.
//
// GET /api/v1/installs/{id}/watch
func (s *Server) watchInstall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	updates, cancel, err := s.hub.WatchInstall(id)
	if err != nil {
		respondError(w, err)
		return
	}
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", "install_id", id, "error", err)
		return
	}
	defer conn.Close()

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case p, ok := <-updates:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "installation finished"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(p); err != nil {
				s.logger.Debug("ws: write failed", "install_id", id, "error", err)
				return
			}
		}
	}
}
