package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/solwatch/watchtower/internal/alerts"
	"github.com/solwatch/watchtower/internal/api"
	"github.com/solwatch/watchtower/internal/api/handlers"
	"github.com/solwatch/watchtower/internal/config"
	"github.com/solwatch/watchtower/internal/engine"
	"github.com/solwatch/watchtower/internal/history"
	"github.com/solwatch/watchtower/internal/metrics"
	"github.com/solwatch/watchtower/internal/notifier"
	"github.com/solwatch/watchtower/internal/rules"
	"github.com/solwatch/watchtower/internal/storage"
	"github.com/solwatch/watchtower/internal/subscriber"
	"github.com/solwatch/watchtower/internal/websocket"
	"github.com/solwatch/watchtower/pkg/logger"
	"github.com/solwatch/watchtower/pkg/version"
)

// defaultAutoResolve is the conservative auto-resolution window for
// rules without an explicit override.
const defaultAutoResolve = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("", "json").Fatal("Failed to load configuration: ", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Infof("Watchtower %s starting", version.GetFullVersion())

	collector := metrics.NewCollector()
	eventHistory := history.New(cfg.Engine.MaxHistoryEvents, cfg.Engine.MaxHistoryAge(), collector, log)
	alertStore := alerts.NewStore(collector, log)

	eng := engine.New(cfg.Engine, eventHistory, cfg.ProgramNames(), collector, log)
	if err := registerRules(eng, cfg); err != nil {
		log.Fatal("Failed to register rules: ", err)
	}

	manager, err := notifier.NewManager(cfg, alertStore, collector, log)
	if err != nil {
		log.Fatal("Failed to initialize notifier: ", err)
	}

	var archive *storage.Archive
	if cfg.Storage.Enabled {
		archive, err = storage.Open(cfg.Storage.Path, cfg.Storage.MigrationsPath, cfg.Storage.QueueSize, collector, log)
		if err != nil {
			log.Fatal("Failed to open alert archive: ", err)
		}
		manager.SetJournal(archive)
	}

	wsHub := websocket.NewHub(log)
	go wsHub.Run()
	manager.Observe(func(alert *alerts.Alert) {
		wsHub.Broadcast(websocket.Message{Type: websocket.MessageTypeAlert, Data: alert})
	})

	client := subscriber.NewClient(cfg.Network, cfg.Programs, cfg.Filters, collector, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Start(ctx)
	if err != nil {
		log.Fatal("Failed to start subscriber: ", err)
	}

	engineDone := make(chan struct{})
	go func() {
		eng.Run(ctx, events)
		close(engineDone)
	}()

	managerDone := make(chan struct{})
	go func() {
		manager.Run(ctx, eng.Alerts())
		close(managerDone)
	}()

	h := handlers.New(alertStore, eng, client, manager, collector, wsHub, log)
	router := api.NewRouter(cfg, h, collector, log)

	scheduler := cron.New(cron.WithSeconds())
	scheduler.AddFunc("*/10 * * * * *", func() {
		eventHistory.Evict(time.Now())
	})
	scheduler.AddFunc("0 * * * * *", func() {
		resolved := alertStore.AutoResolve(time.Now().UTC(), defaultAutoResolve, cfg.Rules.AutoResolveAfter)
		if resolved > 0 {
			log.WithField("resolved", resolved).Info("Auto-resolve sweep completed")
		}
		alertStore.PurgeResolved(time.Now().UTC(), cfg.Engine.ResolvedRetention())
	})
	scheduler.AddFunc("*/15 * * * * *", func() {
		collector.SetConnected(client.Status() == subscriber.StatusConnected)
		wsHub.Broadcast(websocket.Message{
			Type: websocket.MessageTypeStatus,
			Data: map[string]interface{}{
				"upstream_status":  string(client.Status()),
				"events_processed": eng.EventsProcessed(),
				"active_alerts":    alertStore.Stats().Active,
			},
		})
		if parsed, err := collector.Gather(); err == nil {
			wsHub.Broadcast(websocket.Message{Type: websocket.MessageTypeMetrics, Data: parsed})
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled && cfg.Metrics.PrometheusPort != 0 && cfg.Metrics.PrometheusPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Metrics.PrometheusPort),
			Handler: mux,
		}
		go func() {
			log.Infof("Serving Prometheus metrics on %s", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Metrics server stopped")
			}
		}()
	}

	go func() {
		log.Infof("Starting Watchtower on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	select {
	case <-engineDone:
	case <-shutdownCtx.Done():
	}
	select {
	case <-managerDone:
	case <-shutdownCtx.Done():
	}

	if archive != nil {
		if err := archive.Close(shutdownCtx); err != nil {
			log.WithError(err).Warn("Failed to close alert archive cleanly")
		}
	}

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown: ", err)
	}

	log.Info("Watchtower exited")
}

// registerRules wires the enabled built-in rules into the engine.
func registerRules(eng *engine.Engine, cfg *config.Config) error {
	if cfg.Rules.LiquidityDrop.Enabled {
		if err := eng.Register(rules.NewLiquidityDrop(cfg.Rules.LiquidityDrop)); err != nil {
			return err
		}
	}
	if cfg.Rules.LargeTransaction.Enabled {
		if err := eng.Register(rules.NewLargeTransaction(cfg.Rules.LargeTransaction)); err != nil {
			return err
		}
	}
	if cfg.Rules.OracleDeviation.Enabled {
		if err := eng.Register(rules.NewOracleDeviation(cfg.Rules.OracleDeviation)); err != nil {
			return err
		}
	}
	if cfg.Rules.HighFailureRate.Enabled {
		if err := eng.Register(rules.NewHighFailureRate(cfg.Rules.HighFailureRate)); err != nil {
			return err
		}
	}
	return nil
}
