package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/pkg/utils"
)

// ListAlerts serves GET /api/alerts?page&limit&severity&status.
func (h *Handlers) ListAlerts(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}

	filter := alerts.Filter{Page: page, Limit: limit, Rule: c.Query("rule")}

	if s := c.Query("severity"); s != "" {
		sev, err := alerts.ParseSeverity(s)
		if err != nil {
			utils.SendError(c, http.StatusBadRequest, "Unknown severity")
			return
		}
		filter.Severity = &sev
	}

	if s := c.Query("status"); s != "" {
		status := alerts.Status(s)
		switch status {
		case alerts.StatusActive, alerts.StatusAcknowledged, alerts.StatusResolved:
			filter.Status = &status
		default:
			utils.SendError(c, http.StatusBadRequest, "Unknown status")
			return
		}
	}

	items, total := h.store.List(filter)
	pages := (total + limit - 1) / limit

	utils.SendSuccess(c, gin.H{
		"items": items,
		"total": total,
		"page":  page,
		"pages": pages,
	})
}

// AcknowledgeAlert serves POST /api/alerts/:id/acknowledge.
func (h *Handlers) AcknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Acknowledge(id); err != nil {
		utils.SendError(c, http.StatusConflict, err.Error())
		return
	}

	alert, _ := h.store.Get(id)
	utils.SendSuccess(c, alert)
}

// ResolveAlert serves POST /api/alerts/:id/resolve.
func (h *Handlers) ResolveAlert(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.Resolve(id); err != nil {
		utils.SendError(c, http.StatusConflict, err.Error())
		return
	}

	alert, _ := h.store.Get(id)
	utils.SendSuccess(c, alert)
}

// AlertStats serves GET /api/alerts/stats.
func (h *Handlers) AlertStats(c *gin.Context) {
	utils.SendSuccess(c, h.store.Stats())
}
