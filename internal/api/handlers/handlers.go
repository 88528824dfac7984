package handlers

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/engine"
	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/notifier"
	"github.com/solwatch/watchtower/internal/subscriber"
	"github.com/solwatch/watchtower/internal/websocket"
)

// Handlers bundles the dependencies of the dashboard-facing API.
type Handlers struct {
	store      *alerts.Store
	engine     *engine.Engine
	subscriber *subscriber.Client
	manager    *notifier.Manager
	collector  *metrics.Collector
	hub        *websocket.Hub
	logger     *logrus.Logger
	startedAt  time.Time
}

// New creates the handler set.
func New(store *alerts.Store, eng *engine.Engine, sub *subscriber.Client, manager *notifier.Manager, collector *metrics.Collector, hub *websocket.Hub, logger *logrus.Logger) *Handlers {
	return &Handlers{
		store:      store,
		engine:     eng,
		subscriber: sub,
		manager:    manager,
		collector:  collector,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}
