package api

import (
	"time"

	"github.com/lockerctl/lockerctl/internal/config"
)

// ReloadCoordinatorConfig adapts a *config.ReloadCoordinator to ConfigProvider
// so the heartbeat handler always reflects the most recently hot-reloaded
// poll and heartbeat intervals.
type ReloadCoordinatorConfig struct {
	Coordinator *config.ReloadCoordinator
}

func (c ReloadCoordinatorConfig) PollInterval() time.Duration {
	return c.Coordinator.GetCurrentConfig().Queue.PollInterval
}

func (c ReloadCoordinatorConfig) HeartbeatInterval() time.Duration {
	return c.Coordinator.GetCurrentConfig().Heartbeat.Interval
}
