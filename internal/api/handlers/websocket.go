package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/solwatch/watchtower/internal/websocket"
)

// WebSocket serves GET /ws, attaching the client to the push hub.
func (h *Handlers) WebSocket(c *gin.Context) {
	websocket.ServeWS(h.hub, c.Writer, c.Request, h.logger)
}
