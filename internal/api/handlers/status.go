package handlers

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/solwatch/watchtower/internal/subscriber"
	"github.com/solwatch/watchtower/pkg/utils"
	"github.com/solwatch/watchtower/pkg/version"
)

// EngineStatus summarizes the health of the pipeline.
type EngineStatus string

const (
	EngineRunning  EngineStatus = "Running"
	EngineDegraded EngineStatus = "Degraded"
	EngineFailed   EngineStatus = "Failed"
)

// Status serves GET /api/status.
func (h *Handlers) Status(c *gin.Context) {
	stats := h.store.Stats()

	utils.SendSuccess(c, gin.H{
		"version":              version.GetVersion(),
		"engine_status":        h.engineStatus(),
		"uptime_seconds":       int64(time.Since(h.startedAt).Seconds()),
		"alert_count":          stats.Total,
		"active_alerts":        stats.Active,
		"active_rules":         len(h.engine.Rules()),
		"events_processed":     h.engine.EventsProcessed(),
		"connected_websockets": h.hub.ClientCount(),
		"upstream_status":      string(h.subscriber.Status()),
		"memory_usage_mb":      memoryUsageMB(),
	})
}

// engineStatus derives the coarse health state: Failed when the
// ingress gave up, Degraded while reconnecting or when any channel's
// failure rate over the last five minutes exceeds half.
func (h *Handlers) engineStatus() EngineStatus {
	switch h.subscriber.Status() {
	case subscriber.StatusFailed:
		return EngineFailed
	case subscriber.StatusReconnecting:
		return EngineDegraded
	}

	for _, rate := range h.manager.FailureRates() {
		if rate > 0.5 {
			return EngineDegraded
		}
	}
	return EngineRunning
}

func memoryUsageMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return 0
	}
	return float64(info.RSS) / (1 << 20)
}

// Health serves GET /health for probes.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
