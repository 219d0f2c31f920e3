package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lockerctl/lockerctl/internal/api"
	"github.com/lockerctl/lockerctl/internal/broadcast"
	"github.com/lockerctl/lockerctl/internal/config"
	"github.com/lockerctl/lockerctl/internal/eventlog"
	"github.com/lockerctl/lockerctl/internal/heartbeat"
	"github.com/lockerctl/lockerctl/internal/lockerstate"
	"github.com/lockerctl/lockerctl/internal/queue"
	"github.com/lockerctl/lockerctl/internal/ratelimit"
	"github.com/lockerctl/lockerctl/internal/taskloop"
	"github.com/lockerctl/lockerctl/internal/zonesource"
	"github.com/lockerctl/lockerctl/pkg/metrics"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP/WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, log, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	log.Info("starting "+serviceName, "version", serviceVersion, "profile", cfg.Profile)

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Health(ctx); err != nil {
		log.Error("storage health check failed at startup", "error", err)
	}

	locks, closeLocks, err := openLockManager(cfg, log)
	if err != nil {
		return err
	}
	defer closeLocks()

	events := eventlog.New(store, eventlog.Config{
		EventRetention:  time.Duration(cfg.EventLog.EventRetentionDays) * 24 * time.Hour,
		AuditRetention:  time.Duration(cfg.EventLog.AuditRetentionDays) * 24 * time.Hour,
		AnonymizeBefore: time.Duration(cfg.EventLog.EventRetentionDays) * 24 * time.Hour,
		IPHashSalt:      cfg.EventLog.IPHashSalt,
	}, log)

	bus := broadcast.New(log)

	lockers := lockerstate.New(store, events, bus, lockerstate.Config{ReserveTTL: cfg.Locker.ReserveTTL}, log)

	cmdQueue := queue.New(store, queue.Config{
		StaleExecutingThreshold: cfg.Queue.StaleExecutingThreshold,
		RetentionPeriod:         cfg.Queue.RetentionPeriod,
		BaseBackoff:             cfg.Queue.BaseBackoff,
	}, log)

	hbManager := heartbeat.New(store, events, cmdQueue, heartbeat.Config{
		OfflineThreshold: cfg.Heartbeat.OfflineThreshold,
	}, log)

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.CleanupInterval = cfg.RateLimit.CleanupInterval
	if dc, ok := limiterCfg.Dimensions[ratelimit.DimensionIP]; ok {
		dc.MaxTokens = cfg.RateLimit.IPCapacity
		limiterCfg.Dimensions[ratelimit.DimensionIP] = dc
	}
	if dc, ok := limiterCfg.Dimensions[ratelimit.DimensionRFIDCard]; ok {
		dc.MaxTokens = cfg.RateLimit.RFIDCapacity
		limiterCfg.Dimensions[ratelimit.DimensionRFIDCard] = dc
	}
	if dc, ok := limiterCfg.Dimensions[ratelimit.DimensionLocker]; ok {
		dc.MaxTokens = cfg.RateLimit.LockerCapacity
		limiterCfg.Dimensions[ratelimit.DimensionLocker] = dc
	}
	if dc, ok := limiterCfg.Dimensions[ratelimit.DimensionQRDevice]; ok {
		dc.MaxTokens = cfg.RateLimit.QRDeviceCapacity
		limiterCfg.Dimensions[ratelimit.DimensionQRDevice] = dc
	}
	limiter := ratelimit.New(limiterCfg, events, log)

	zoneRegistry := zonesource.NewRegistry(log)
	var zoneSrc *zonesource.FileSource
	if cfg.Zones.Enabled {
		zoneSrc = zonesource.New(cfg.Zones.CardInventoryPath, log)
	}
	coordinator := config.NewReloadCoordinator(cfg, configPath, cfg.Zones.LayoutPath, zoneSrc, events, zoneRegistry, locks, log)

	registry := metrics.DefaultRegistry()

	handler := api.NewHandler(lockers, cmdQueue, hbManager, limiter, events, bus, api.ReloadCoordinatorConfig{Coordinator: coordinator}, log)
	router := api.NewRouter(handler, registry, log)

	runCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	loop := taskloop.New(log,
		taskloop.Task{Name: "reservation_cleanup", Interval: 30 * time.Second, Run: func(ctx context.Context) error {
			_, err := lockers.CleanupExpiredReservations(ctx)
			return err
		}},
		taskloop.Task{Name: "heartbeat_cleanup", Interval: cfg.Heartbeat.CleanupInterval, Run: hbManager.Cleanup},
		taskloop.Task{Name: "queue_gc", Interval: 6 * time.Hour, Run: func(ctx context.Context) error {
			_, err := cmdQueue.GCTerminal(ctx)
			return err
		}},
		taskloop.Task{Name: "event_retention", Interval: 24 * time.Hour, Run: func(ctx context.Context) error {
			_, _, err := events.RunRetention(ctx)
			return err
		}},
		taskloop.Task{Name: "rate_limit_gc", Interval: cfg.RateLimit.CleanupInterval, Run: func(ctx context.Context) error {
			limiter.GC()
			return nil
		}},
	)
	loop.Start(runCtx)

	sigHandler := newSignalHandler(coordinator, log)
	if err := sigHandler.Start(); err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-runCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("http server failed", "error", err)
		}
	}

	sigHandler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	// Final synchronous cleanup pass, mirroring what the last taskloop tick
	// before shutdown would have done.
	if err := hbManager.Cleanup(shutdownCtx); err != nil {
		log.Error("final heartbeat cleanup failed", "error", err)
	}

	log.Info(serviceName + " stopped")
	return nil
}
