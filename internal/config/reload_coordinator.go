package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockerctl/lockerctl/internal/distlock"
	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/zoneengine"
)

// ZoneSource supplies the zone layout file and the kiosk's current hardware
// inventory (available relay card addresses) for reconciliation.
type ZoneSource interface {
	LoadZones(path string) ([]domain.ZoneConfig, error)
	AvailableCards(ctx context.Context) ([]int, error)
}

// EventSink is the subset of the event log the coordinator writes to.
type EventSink interface {
	Append(ctx context.Context, event *domain.Event) (int64, error)
}

// ZonePublisher receives the reconciled zone layout after a successful reload.
type ZonePublisher interface {
	PublishZones(zones []domain.ZoneConfig)
}

// ReloadResult describes the outcome of one reload attempt.
type ReloadResult struct {
	Version    int64
	Success    bool
	Warnings   []zoneengine.Warning
	Duration   time.Duration
}

// ReloadCoordinator drives SIGHUP-triggered configuration and zone-layout
// hot reload: load, validate, reconcile against hardware inventory, swap
// atomically under a distributed lock (standard profile) or unguarded
// (lite profile, single process), and publish the result. A validation
// failure at any stage leaves the previously active config and zone
// layout untouched.
type ReloadCoordinator struct {
	currentConfig atomic.Value // *Config
	currentZones  atomic.Value // []domain.ZoneConfig

	configPath string
	zonesPath  string

	zones     ZoneSource
	events    EventSink
	publisher ZonePublisher
	locks     *distlock.LockManager

	mu            sync.Mutex
	reloadVersion int64
	lastStatus    string
	lastReloadAt  time.Time

	logger *slog.Logger
}

// NewReloadCoordinator constructs a ReloadCoordinator. locks is nil in the
// lite profile, where a single process is the only writer.
func NewReloadCoordinator(initialConfig *Config, configPath, zonesPath string, zones ZoneSource, events EventSink, publisher ZonePublisher, locks *distlock.LockManager, logger *slog.Logger) *ReloadCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &ReloadCoordinator{
		configPath:    configPath,
		zonesPath:     zonesPath,
		zones:         zones,
		events:        events,
		publisher:     publisher,
		locks:         locks,
		reloadVersion: 1,
		lastStatus:    "initial",
		lastReloadAt:  time.Now(),
		logger:        logger.With("component", "config_reload"),
	}
	rc.currentConfig.Store(initialConfig)
	return rc
}

// GetCurrentConfig returns the active configuration.
func (rc *ReloadCoordinator) GetCurrentConfig() *Config {
	return rc.currentConfig.Load().(*Config)
}

// GetCurrentZones returns the active reconciled zone layout, or nil if
// zones have never loaded successfully.
func (rc *ReloadCoordinator) GetCurrentZones() []domain.ZoneConfig {
	v := rc.currentZones.Load()
	if v == nil {
		return nil
	}
	return v.([]domain.ZoneConfig)
}

// Reload re-reads the config file and, when zones are enabled, the zone
// layout file, validates both, reconciles zones against current hardware
// inventory, and swaps them in atomically.
func (rc *ReloadCoordinator) Reload(ctx context.Context) (*ReloadResult, error) {
	start := time.Now()
	rc.logger.Info("config reload started", "config_path", rc.configPath)

	if rc.locks != nil {
		lock, err := rc.locks.AcquireLock(ctx, "config:reload")
		if err != nil {
			rc.setStatus("lock_failed")
			return nil, fmt.Errorf("acquire reload lock: %w", err)
		}
		defer rc.locks.ReleaseLock(ctx, lock.Key())
	}

	newConfig, err := LoadConfig(rc.configPath)
	if err != nil {
		rc.setStatus("load_failed")
		rc.logger.Error("config reload: load failed", "error", err)
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := newConfig.Validate(); err != nil {
		rc.setStatus("validation_failed")
		rc.logger.Error("config reload: validation failed", "error", err)
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var warnings []zoneengine.Warning
	var newZones []domain.ZoneConfig
	if newConfig.Zones.Enabled && rc.zones != nil && rc.zonesPath != "" {
		newZones, warnings, err = rc.reconcileZones(ctx)
		if err != nil {
			rc.setStatus("zone_validation_failed")
			rc.logger.Error("config reload: zone validation failed", "error", err)
			return nil, fmt.Errorf("validate zones: %w", err)
		}
	}

	rc.currentConfig.Store(newConfig)
	if newZones != nil {
		rc.currentZones.Store(newZones)
		if rc.publisher != nil {
			rc.publisher.PublishZones(newZones)
		}
	}

	rc.mu.Lock()
	rc.reloadVersion++
	version := rc.reloadVersion
	rc.mu.Unlock()
	rc.setStatus("success")

	for _, w := range warnings {
		rc.logger.Warn("zone reconcile warning", "field", w.Field, "message", w.Message)
	}
	if rc.events != nil && newZones != nil {
		rc.events.Append(ctx, &domain.Event{
			Timestamp: time.Now(),
			EventType: domain.EventZoneExtended,
			StaffUser: "system",
			Details:   map[string]interface{}{"zone_count": len(newZones), "reload_version": version},
		})
	}

	duration := time.Since(start)
	rc.logger.Info("config reload completed", "version", version, "duration_ms", duration.Milliseconds())

	return &ReloadResult{Version: version, Success: true, Warnings: warnings, Duration: duration}, nil
}

func (rc *ReloadCoordinator) reconcileZones(ctx context.Context) ([]domain.ZoneConfig, []zoneengine.Warning, error) {
	zones, err := rc.zones.LoadZones(rc.zonesPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load zone file: %w", err)
	}
	cards, err := rc.zones.AvailableCards(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("enumerate available cards: %w", err)
	}
	warnings, err := zoneengine.Validate(zones, cards)
	if err != nil {
		return nil, nil, err
	}
	result := zoneengine.Reconcile(zones, cards)
	return result.Zones, warnings, nil
}

// Status returns the coordinator's last reload version, status, and time.
func (rc *ReloadCoordinator) Status() (version int64, status string, at time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reloadVersion, rc.lastStatus, rc.lastReloadAt
}

func (rc *ReloadCoordinator) setStatus(status string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.lastStatus = status
	rc.lastReloadAt = time.Now()
}
