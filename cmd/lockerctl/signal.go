package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lockerctl/lockerctl/internal/config"
)

// SignalHandler listens for SIGHUP and drives configuration/zone-layout hot
// reload through a ReloadCoordinator, debouncing bursts of signals and
// recording the outcome of every attempt.
type SignalHandler struct {
	coordinator *config.ReloadCoordinator
	logger      *slog.Logger
	metrics     *signalMetrics

	lastReloadTime atomic.Value // time.Time
	debounceWindow time.Duration

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	sigChan    chan os.Signal
	reloadChan chan struct{}
}

// newSignalHandler constructs a SignalHandler bound to coordinator.
func newSignalHandler(coordinator *config.ReloadCoordinator, logger *slog.Logger) *SignalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SignalHandler{
		coordinator:    coordinator,
		logger:         logger.With("component", "signal_handler"),
		metrics:        newSignalMetrics(),
		debounceWindow: 1 * time.Second,
		ctx:            ctx,
		cancel:         cancel,
		sigChan:        make(chan os.Signal, 1),
		reloadChan:     make(chan struct{}, 10),
	}
}

// Start registers the SIGHUP listener and begins processing reload requests.
func (h *SignalHandler) Start() error {
	signal.Notify(h.sigChan, syscall.SIGHUP)

	h.wg.Add(1)
	go h.signalListener()

	h.wg.Add(1)
	go h.reloadWorker()

	h.logger.Info("signal handler started", "signal", "SIGHUP", "debounce_window", h.debounceWindow)
	return nil
}

// Stop stops signal handling and waits for in-flight reloads to finish.
func (h *SignalHandler) Stop() {
	signal.Stop(h.sigChan)
	close(h.sigChan)
	h.cancel()
	h.wg.Wait()
	h.logger.Info("signal handler stopped")
}

func (h *SignalHandler) signalListener() {
	defer h.wg.Done()
	for {
		select {
		case sig, ok := <-h.sigChan:
			if !ok {
				return
			}
			h.logger.Info("received signal", "signal", sig.String())
			select {
			case h.reloadChan <- struct{}{}:
			default:
				h.logger.Warn("reload queue full, dropping signal")
			}
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *SignalHandler) reloadWorker() {
	defer h.wg.Done()
	for {
		select {
		case <-h.reloadChan:
			if h.shouldDebounce() {
				h.logger.Debug("reload debounced")
				continue
			}
			h.updateLastReloadTime()
			h.executeReload()
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *SignalHandler) shouldDebounce() bool {
	last := h.getLastReloadTime()
	if last.IsZero() {
		return false
	}
	return time.Since(last) < h.debounceWindow
}

func (h *SignalHandler) updateLastReloadTime() {
	h.lastReloadTime.Store(time.Now())
}

func (h *SignalHandler) getLastReloadTime() time.Time {
	val := h.lastReloadTime.Load()
	if val == nil {
		return time.Time{}
	}
	return val.(time.Time)
}

const signalReloadSource = "sighup"

func (h *SignalHandler) executeReload() {
	startTime := time.Now()
	h.logger.Info("executing config reload via SIGHUP")

	reloadCtx, cancel := context.WithTimeout(h.ctx, 30*time.Second)
	defer cancel()

	result, err := h.coordinator.Reload(reloadCtx)
	duration := time.Since(startTime)
	if err != nil {
		h.metrics.recordAttempt(signalReloadSource, "failure")
		h.metrics.recordDuration(signalReloadSource, duration.Seconds())
		h.metrics.recordFailure(signalReloadSource, float64(time.Now().Unix()))
		h.logger.Error("config reload failed", "error", err, "duration_ms", duration.Milliseconds())
		return
	}

	h.metrics.recordAttempt(signalReloadSource, "success")
	h.metrics.recordDuration(signalReloadSource, duration.Seconds())
	h.metrics.recordSuccess(signalReloadSource, float64(time.Now().Unix()))

	for _, w := range result.Warnings {
		h.logger.Warn("zone reconcile warning", "field", w.Field, "message", w.Message)
	}
	h.logger.Info("config reload completed successfully via SIGHUP",
		"version", result.Version,
		"duration_ms", duration.Milliseconds(),
		"warnings", len(result.Warnings),
	)
}
