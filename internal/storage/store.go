// Package storage defines the persistence boundary for the control plane.
// Two adapters implement Store: internal/storage/postgres (the standard
// profile) and internal/storage/sqlite (the lite profile). Both enforce the
// same optimistic-concurrency and claim-primitive semantics so the rest of
// the system (internal/lockerstate, internal/queue, internal/heartbeat) is
// indifferent to which backend it runs against.
package storage

import (
	"context"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// LockerFilter narrows ListLockers to a single kiosk, a single zone, or both.
// A zero-value filter lists every locker.
type LockerFilter struct {
	KioskID string
	Zone    string
}

// Store is the persistence boundary the core components depend on. Every
// write that carries a Version/expected-version argument is a conditional
// update: zero rows affected surfaces as ErrConflict, never retried inside
// the adapter.
type Store interface {
	// GetLocker returns ErrNotFound if the (kioskID, lockerID) pair is unknown.
	GetLocker(ctx context.Context, kioskID, lockerID string) (*domain.Locker, error)

	// ListLockers returns every locker matching filter, ordered by kiosk then locker ID.
	ListLockers(ctx context.Context, filter LockerFilter) ([]*domain.Locker, error)

	// UpsertLocker inserts a locker row that does not yet exist. Used only
	// by seeding and zone-driven inventory discovery, never by the state
	// machine's transitions.
	UpsertLocker(ctx context.Context, locker *domain.Locker) error

	// UpdateLockerVersioned applies next only if the stored version still
	// equals expectedVersion, then returns the row's new version. Returns
	// ErrConflict on a mismatch, ErrNotFound if the row does not exist.
	UpdateLockerVersioned(ctx context.Context, next *domain.Locker, expectedVersion int64) (int64, error)

	// EnqueueCommand inserts a new pending command and returns its generated ID.
	EnqueueCommand(ctx context.Context, cmd *domain.Command) (string, error)

	// FetchPendingCommands returns up to limit commands for kioskID that are
	// pending and due (next_attempt_at <= now), oldest first.
	FetchPendingCommands(ctx context.Context, kioskID string, limit int, now time.Time) ([]*domain.Command, error)

	// ClaimCommand is the sole exclusivity primitive for command execution:
	// it transitions one command from pending to executing and returns
	// ErrConflict if another poller already claimed it (or it is no longer
	// pending for any other reason).
	ClaimCommand(ctx context.Context, commandID string, now time.Time) (*domain.Command, error)

	// CompleteCommand marks an executing command completed.
	CompleteCommand(ctx context.Context, commandID string, now time.Time) error

	// FailCommand records a failed attempt. When the command has retries
	// remaining it is rescheduled pending at nextAttemptAt; when retries are
	// exhausted it is marked failed (terminal).
	FailCommand(ctx context.Context, commandID string, lastError string, nextAttemptAt time.Time, terminal bool) error

	// CancelCommand marks a non-terminal command cancelled. A no-op error if
	// the command is already terminal.
	CancelCommand(ctx context.Context, commandID string) error

	// ClearPendingCommands cancels every pending/executing command for a
	// kiosk, used when a kiosk restart is detected. Returns the count cleared.
	ClearPendingCommands(ctx context.Context, kioskID string, now time.Time) (int, error)

	// FindStaleExecuting returns commands stuck executing past the given deadline.
	FindStaleExecuting(ctx context.Context, olderThan time.Time) ([]*domain.Command, error)

	// DeleteTerminalCommandsBefore deletes completed/failed/cancelled
	// commands whose completed_at precedes cutoff, returning the count removed.
	DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int, error)

	// AppendEvent inserts an immutable event row and returns its generated ID.
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)

	// QueryEvents returns events for kioskID (optional, empty matches all)
	// with timestamp in [since, until), newest first, capped at limit.
	QueryEvents(ctx context.Context, kioskID string, since, until time.Time, limit int) ([]*domain.Event, error)

	// DeleteEventsBefore deletes non-audit events older than cutoff and
	// audit events older than auditCutoff, returning the total rows removed.
	DeleteEventsBefore(ctx context.Context, cutoff, auditCutoff time.Time) (int, error)

	// EventsNeedingAnonymization returns events older than cutoff whose
	// rfid_card or device_id is non-empty and not already a salted-hash
	// placeholder (the "anon_" prefix), capped at limit.
	EventsNeedingAnonymization(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Event, error)

	// SetEventAnonymizedFields overwrites rfid_card and device_id on one
	// event row in place. The event itself is otherwise immutable.
	SetEventAnonymizedFields(ctx context.Context, id int64, rfidCard, deviceID string) error

	// UpsertHeartbeat records a kiosk's latest liveness report.
	UpsertHeartbeat(ctx context.Context, hb *domain.KioskHeartbeat) error

	// GetHeartbeat returns ErrNotFound if kioskID has never reported.
	GetHeartbeat(ctx context.Context, kioskID string) (*domain.KioskHeartbeat, error)

	// ListStaleHeartbeats returns kiosks whose last_seen is before cutoff and
	// whose status is not already offline.
	ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]*domain.KioskHeartbeat, error)

	// GetZoneConfig returns ErrNotFound if id is unknown.
	GetZoneConfig(ctx context.Context, id string) (*domain.ZoneConfig, error)

	// ListZoneConfigs returns every configured zone. The SQL adapters order
	// them by zone ID; the memory store returns them in insertion order.
	ListZoneConfigs(ctx context.Context) ([]*domain.ZoneConfig, error)

	// PutZoneConfig inserts or replaces a zone configuration wholesale.
	PutZoneConfig(ctx context.Context, zone *domain.ZoneConfig) error

	// Health checks connectivity to the backing store.
	Health(ctx context.Context) error

	// Close releases any held connections/pools.
	Close() error
}
