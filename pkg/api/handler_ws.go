package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// uiWSHandler handles GET /api/v1/ws, upgrading a dashboard client and
// handing it to the Broadcast Sink's hub for the lifetime of the
// connection.
func (s *Server) uiWSHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.allowedWSOrigins,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.wsHub.HandleConnection(c.Request.Context(), conn)
}
