// Package domain holds the shared data model for the locker fleet control
// plane: lockers, commands, events, kiosk heartbeats, zone configuration and
// rate-limit primitives. Types here carry validation tags but no persistence
// or transport concerns — those live in internal/storage and internal/api.
package domain

import "time"

// LockerStatus is the lifecycle state of a single locker compartment.
type LockerStatus string

const (
	LockerFree     LockerStatus = "free"
	LockerReserved LockerStatus = "reserved"
	LockerOwned    LockerStatus = "owned"
	LockerBlocked  LockerStatus = "blocked"
	LockerError    LockerStatus = "error"
)

// OwnerType identifies how an owner_key should be interpreted.
type OwnerType string

const (
	OwnerRFID      OwnerType = "rfid"
	OwnerQRDevice  OwnerType = "qr_device"
	OwnerNone      OwnerType = ""
)

// Locker is a single physical compartment, identified by (KioskID, LockerID).
type Locker struct {
	KioskID     string       `json:"kiosk_id" validate:"required"`
	LockerID    string       `json:"locker_id" validate:"required"`
	Status      LockerStatus `json:"status" validate:"required,oneof=free reserved owned blocked error"`
	OwnerType   OwnerType    `json:"owner_type,omitempty"`
	OwnerKey    string       `json:"owner_key,omitempty"`
	ReservedAt  *time.Time   `json:"reserved_at,omitempty"`
	OwnedAt     *time.Time   `json:"owned_at,omitempty"`
	IsVIP       bool         `json:"is_vip"`
	DisplayName string       `json:"display_name,omitempty" validate:"omitempty,max=64"`
	Version     int64        `json:"version"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasOwner reports whether the locker currently carries an owner identity.
func (l *Locker) HasOwner() bool {
	return l.OwnerType != OwnerNone && l.OwnerKey != ""
}

// SameOwner reports whether the given identity matches the locker's current owner.
func (l *Locker) SameOwner(ownerType OwnerType, ownerKey string) bool {
	return l.HasOwner() && l.OwnerType == ownerType && l.OwnerKey == ownerKey
}

// DisplayNameCharset restricts display names to a safe, printable subset.
// Enforced by validators in the state machine, not by this type alone.
const DisplayNameCharset = `^[A-Za-z0-9 _\-\.]*$`
