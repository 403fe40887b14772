package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
)

// handleWebsocket upgrades the connection and hands it to the notification
// hub. The read pump exists only to surface pongs and detect the peer
// going away; clients never send application data.
func (s *Server) handleWebsocket(c echo.Context) error {
	userID, err := userIDFrom(c)
	if err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return nil
	}

	s.hub.Register(userID, conn)

	conn.SetPongHandler(func(string) error {
		s.hub.Pong(userID)
		return nil
	})

	go func() {
		defer s.hub.Unregister(userID, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return nil
}
