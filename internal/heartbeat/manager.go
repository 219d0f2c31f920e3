// Package heartbeat tracks kiosk liveness: online/offline transitions driven
// by a last_seen timer, restart detection via incarnation change, and the
// periodic cleanup pass that also drives the command queue's stale-executor
// recovery.
package heartbeat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// EventSink is the subset of the event log the heartbeat manager writes to.
type EventSink interface {
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)
}

// CommandQueue is the subset of the command queue the heartbeat manager drives.
type CommandQueue interface {
	ClearPending(ctx context.Context, kioskID string) (int, error)
	RecoverStaleExecuting(ctx context.Context) (int, error)
}

// Config narrows the heartbeat manager's tunables.
type Config struct {
	OfflineThreshold time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{OfflineThreshold: 30 * time.Second}
}

// Manager is the heartbeat manager.
type Manager struct {
	store  storage.Store
	events EventSink
	queue  CommandQueue
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a Manager.
func New(store storage.Store, events EventSink, queue CommandQueue, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, events: events, queue: queue, cfg: cfg, now: time.Now, logger: logger.With("component", "heartbeat")}
}

// WithClock overrides the time source, for deterministic tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Beat records a kiosk heartbeat: upserts last_seen, flips offline -> online
// (emitting kiosk_online), and detects restarts via incarnation change.
func (m *Manager) Beat(ctx context.Context, kioskID, zone, version, hardwareID, configHash string) error {
	prev, err := m.store.GetHeartbeat(ctx, kioskID)
	wasOffline := false
	prevIncarnation := domain.Incarnation{}
	if err == nil {
		wasOffline = prev.Status == domain.KioskOffline
		prevIncarnation = domain.Incarnation{Version: prev.Version, HardwareID: prev.HardwareID}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return lockerr.Wrap(lockerr.Transient, err)
	}

	now := m.now()
	hb := &domain.KioskHeartbeat{
		KioskID:    kioskID,
		Zone:       zone,
		Version:    version,
		Status:     domain.KioskOnline,
		LastSeen:   now,
		HardwareID: hardwareID,
		ConfigHash: configHash,
	}
	if err := m.store.UpsertHeartbeat(ctx, hb); err != nil {
		return lockerr.Wrap(lockerr.Transient, err)
	}

	// A changed incarnation means commands queued for the kiosk's previous
	// process are orphaned; clear them before announcing the kiosk online
	// so pollers never observe stale commands alongside a fresh incarnation.
	current := domain.Incarnation{Version: version, HardwareID: hardwareID}
	if current.Changed(prevIncarnation) {
		cleared, err := m.queue.ClearPending(ctx, kioskID)
		if err != nil {
			m.logger.Error("failed to clear pending commands on restart", "kiosk_id", kioskID, "error", err)
		}
		m.appendEvent(ctx, kioskID, domain.EventSystemRestarted, map[string]interface{}{"cleared_commands": cleared})
	}

	if wasOffline {
		m.appendEvent(ctx, kioskID, domain.EventKioskOnline, nil)
	}

	return nil
}

// Cleanup transitions stale online kiosks to offline and runs the command
// queue's stale-executor recovery. Intended to run on a ~60s ticker via
// internal/taskloop; also run once, synchronously, on shutdown.
func (m *Manager) Cleanup(ctx context.Context) error {
	cutoff := m.now().Add(-m.cfg.OfflineThreshold)
	stale, err := m.store.ListStaleHeartbeats(ctx, cutoff)
	if err != nil {
		return lockerr.Wrap(lockerr.Transient, err)
	}

	for _, hb := range stale {
		offlineDuration := m.now().Sub(hb.LastSeen)
		next := *hb
		next.Status = domain.KioskOffline
		if err := m.store.UpsertHeartbeat(ctx, &next); err != nil {
			m.logger.Error("failed to mark kiosk offline", "kiosk_id", hb.KioskID, "error", err)
			continue
		}
		m.appendEvent(ctx, hb.KioskID, domain.EventKioskOffline, map[string]interface{}{
			"offline_duration_ms": offlineDuration.Milliseconds(),
		})
	}

	if _, err := m.queue.RecoverStaleExecuting(ctx); err != nil {
		m.logger.Error("stale-executor recovery failed", "error", err)
	}

	return nil
}

func (m *Manager) appendEvent(ctx context.Context, kioskID string, eventType domain.EventType, details map[string]interface{}) {
	if m.events == nil {
		return
	}
	event := &domain.Event{
		Timestamp: m.now(),
		KioskID:   kioskID,
		EventType: eventType,
		Details:   details,
	}
	if _, err := m.events.AppendEvent(ctx, event); err != nil {
		m.logger.Error("failed to append heartbeat event", "event_type", eventType, "error", err)
	}
}
