package whep

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const healthWriteTimeout = 5 * time.Second

// handleHealthWS pushes the health report every HealthInterval until the
// client goes away or the server closes.
func (s *Server) handleHealthWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugf("health websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	// The read side only exists to notice the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		conn.SetWriteDeadline(time.Now().Add(healthWriteTimeout))
		if err := conn.WriteJSON(s.Health()); err != nil {
			s.log.Debugf("health websocket write: %v", err)
			return
		}
		select {
		case <-gone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
