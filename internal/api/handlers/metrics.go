package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/solwatch/watchtower/pkg/utils"
)

// Metrics serves GET /api/metrics as parsed name/value pairs for the
// dashboard. The raw text exposition lives at /metrics.
func (h *Handlers) Metrics(c *gin.Context) {
	parsed, err := h.collector.Gather()
	if err != nil {
		utils.SendError(c, http.StatusInternalServerError, "Failed to gather metrics")
		return
	}
	utils.SendSuccess(c, gin.H{"parsed_metrics": parsed})
}
