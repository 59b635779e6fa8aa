package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler handles GET /api/ws.
// Upgrades to WebSocket and hands the connection to the ConnectionManager,
// which runs the subscribe/unsubscribe/ping protocol and fans out loop
// events. Blocks until the client disconnects.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The UI is served from a different origin in development.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "websocket upgrade failed")
	}

	s.connManager.HandleConnection(c.Request().Context(), conn)
	return nil
}
