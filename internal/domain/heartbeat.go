package domain

import "time"

// KioskStatus mirrors the liveness state the heartbeat manager tracks.
type KioskStatus string

const (
	KioskOnline      KioskStatus = "online"
	KioskOffline     KioskStatus = "offline"
	KioskMaintenance KioskStatus = "maintenance"
	KioskError       KioskStatus = "error"
)

// KioskHeartbeat is the latest known liveness record for one kiosk.
type KioskHeartbeat struct {
	KioskID    string      `json:"kiosk_id" validate:"required"`
	Zone       string      `json:"zone,omitempty"`
	Version    string      `json:"version,omitempty"`
	Status     KioskStatus `json:"status" validate:"required,oneof=online offline maintenance error"`
	LastSeen   time.Time   `json:"last_seen"`
	HardwareID string      `json:"hardware_id,omitempty"`
	ConfigHash string      `json:"config_hash,omitempty"`
}

// Incarnation identifies a kiosk's running process. A change in either field
// between two heartbeats means the kiosk restarted and its in-flight commands
// are orphaned.
type Incarnation struct {
	Version    string
	HardwareID string
}

// Changed reports whether this incarnation differs from prev. A zero-value
// prev (first heartbeat ever seen) never counts as a restart.
func (inc Incarnation) Changed(prev Incarnation) bool {
	if prev.Version == "" && prev.HardwareID == "" {
		return false
	}
	return inc.Version != prev.Version || inc.HardwareID != prev.HardwareID
}
