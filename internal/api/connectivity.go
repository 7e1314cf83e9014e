package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// handleConnectivity upgrades to a websocket and pings on a fixed interval.
// Clients treat a missed ping as loss of connectivity. Incoming frames are
// read only to process pongs and close.
func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logFor(r.Context()).Debug("websocket upgrade", "err", err)
		return
	}
	s.sockets.Add(1)
	s.metrics.SocketOpened()
	defer func() {
		conn.Close()
		s.metrics.SocketClosed()
		s.sockets.Done()
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	}
	if err := ping(); err != nil {
		return
	}

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				return
			}
		}
	}
}
