package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/teo/pkg/events"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to the
// ConnectionManager, per spec.md §6.5. The channel query param selects
// events.GlobalChannel ("all", the default) or a single execution's
// scoped channel.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "dashboard feed not available")
	}

	channel := c.QueryParam("channel")
	if channel == "" {
		channel = events.GlobalChannel
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.connManager.HandleConnection(c.Request().Context(), conn, channel)
	return nil
}
