// Package lockerstate implements the authoritative locker ownership model:
// optimistic-concurrency state transitions, one-card-one-locker enforcement,
// and timeout-driven reservation cleanup.
package lockerstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// EventSink is the subset of the event log the state machine writes to.
type EventSink interface {
	AppendEvent(ctx context.Context, event *domain.Event) (int64, error)
}

// Notifier fans out successful locker transitions.
type Notifier interface {
	Publish(locker domain.Locker)
}

// Config narrows the state machine's tunables, following the narrow
// per-component config struct convention used throughout this codebase.
type Config struct {
	ReserveTTL time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{ReserveTTL: 90 * time.Second}
}

// Machine is the locker state machine. All mutating methods issue a single
// conditional update through Store; a zero-row update surfaces as
// storage.ErrConflict, categorized Conflict, and is never retried here.
type Machine struct {
	store     storage.Store
	events    EventSink
	notifier  Notifier
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
	nameRegex *regexp.Regexp
}

// New constructs a Machine. now defaults to time.Now; tests inject a fake clock.
func New(store storage.Store, events EventSink, notifier Notifier, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:     store,
		events:    events,
		notifier:  notifier,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "lockerstate"),
		nameRegex: regexp.MustCompile(domain.DisplayNameCharset),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Assign transitions a Free locker to Reserved for (ownerType, ownerKey).
// Returns lockerr-categorized errors: Validation if the locker is VIP or the
// owner already holds a locker in this kiosk, Conflict on a concurrent write.
func (m *Machine) Assign(ctx context.Context, kioskID, lockerID string, ownerType domain.OwnerType, ownerKey string) (*domain.Locker, error) {
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}
	if locker.Status != domain.LockerFree {
		return nil, lockerr.Wrap(lockerr.Conflict, fmt.Errorf("locker %s/%s not free", kioskID, lockerID))
	}
	if locker.IsVIP {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("vip lockers cannot be reserved, only owned directly"))
	}

	owns, err := m.ownsAnyLocker(ctx, kioskID, ownerType, ownerKey)
	if err != nil {
		return nil, err
	}
	if owns {
		return nil, lockerr.Wrap(lockerr.Validation, fmt.Errorf("owner %s already holds a locker in kiosk %s", ownerKey, kioskID))
	}

	now := m.now()
	next := *locker
	next.Status = domain.LockerReserved
	next.OwnerType = ownerType
	next.OwnerKey = ownerKey
	next.ReservedAt = &now
	next.OwnedAt = nil

	return m.apply(ctx, &next, locker.Version, domain.EventRFIDAssign, "", nil)
}

// ownsAnyLocker implements the one-card-one-locker scan preceding assign.
// This scan and the subsequent conditional update are not atomic together;
// the residual race is tolerated per spec and corrected by the next
// release or the reservation-cleanup loop.
func (m *Machine) ownsAnyLocker(ctx context.Context, kioskID string, ownerType domain.OwnerType, ownerKey string) (bool, error) {
	lockers, err := m.store.ListLockers(ctx, storage.LockerFilter{KioskID: kioskID})
	if err != nil {
		return false, lockerr.Wrap(lockerr.Transient, err)
	}
	for _, l := range lockers {
		if (l.Status == domain.LockerReserved || l.Status == domain.LockerOwned) && l.SameOwner(ownerType, ownerKey) {
			return true, nil
		}
	}
	return false, nil
}

// Confirm transitions Reserved -> Owned for the same owner.
func (m *Machine) Confirm(ctx context.Context, kioskID, lockerID string, ownerType domain.OwnerType, ownerKey string) (*domain.Locker, error) {
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}
	if locker.Status != domain.LockerReserved || !locker.SameOwner(ownerType, ownerKey) {
		return nil, lockerr.Wrap(lockerr.Conflict, fmt.Errorf("locker %s/%s not reserved by this owner", kioskID, lockerID))
	}

	now := m.now()
	next := *locker
	next.Status = domain.LockerOwned
	next.OwnedAt = &now

	return m.apply(ctx, &next, locker.Version, domain.EventRFIDConfirm, "", nil)
}

// Release transitions Reserved or Owned back to Free. staffUser non-empty
// bypasses the owner-key check (staff override).
func (m *Machine) Release(ctx context.Context, kioskID, lockerID string, ownerKey, staffUser string) (*domain.Locker, error) {
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}
	if locker.Status == domain.LockerFree {
		// release(release(x)) = release(x): releasing an already-Free locker
		// is a no-op, not a conflict.
		return locker, nil
	}
	if locker.Status != domain.LockerReserved && locker.Status != domain.LockerOwned {
		return nil, lockerr.Wrap(lockerr.Conflict, fmt.Errorf("locker %s/%s not owned", kioskID, lockerID))
	}
	if staffUser == "" && locker.OwnerKey != ownerKey {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("owner key does not match current owner"))
	}

	method := domain.ReleaseByOwner
	details := map[string]interface{}{"release_method": method}
	if staffUser != "" {
		method = domain.ReleaseByStaff
		details["release_method"] = method
	}

	next := *locker
	next.Status = domain.LockerFree
	next.OwnerType = domain.OwnerNone
	next.OwnerKey = ""
	next.ReservedAt = nil
	next.OwnedAt = nil

	return m.apply(ctx, &next, locker.Version, domain.EventRFIDRelease, staffUser, details)
}

// Block forces any non-Blocked locker to Blocked. Requires a staff identity.
func (m *Machine) Block(ctx context.Context, kioskID, lockerID, staffUser, reason string) (*domain.Locker, error) {
	if staffUser == "" {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("staff_user required to block a locker"))
	}
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}
	if locker.Status == domain.LockerBlocked {
		return nil, lockerr.Wrap(lockerr.Conflict, errors.New("locker already blocked"))
	}

	next := *locker
	next.Status = domain.LockerBlocked

	return m.apply(ctx, &next, locker.Version, domain.EventLockerBlocked, staffUser, map[string]interface{}{"reason": reason})
}

// Unblock transitions Blocked back to Free. Requires a staff identity.
func (m *Machine) Unblock(ctx context.Context, kioskID, lockerID, staffUser string) (*domain.Locker, error) {
	if staffUser == "" {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("staff_user required to unblock a locker"))
	}
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}
	if locker.Status != domain.LockerBlocked {
		return nil, lockerr.Wrap(lockerr.Conflict, errors.New("locker is not blocked"))
	}

	next := *locker
	next.Status = domain.LockerFree
	next.OwnerType = domain.OwnerNone
	next.OwnerKey = ""
	next.ReservedAt = nil
	next.OwnedAt = nil

	return m.apply(ctx, &next, locker.Version, domain.EventLockerUnblocked, staffUser, nil)
}

// HardwareFault forces any locker into Error state, bypassing preconditions.
func (m *Machine) HardwareFault(ctx context.Context, kioskID, lockerID, detail string) (*domain.Locker, error) {
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}

	next := *locker
	next.Status = domain.LockerError

	return m.applyForced(ctx, &next, locker.Version, domain.EventHardwareFault, "", map[string]interface{}{"detail": detail})
}

// ForceTransition bypasses normal preconditions entirely, for staff-driven
// recovery. Still increments version and emits an event labeled forced=true.
func (m *Machine) ForceTransition(ctx context.Context, kioskID, lockerID string, to domain.LockerStatus, staffUser, reason string) (*domain.Locker, error) {
	if staffUser == "" {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("staff_user required to force a transition"))
	}
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}

	next := *locker
	next.Status = to
	if to == domain.LockerFree {
		next.OwnerType = domain.OwnerNone
		next.OwnerKey = ""
		next.ReservedAt = nil
		next.OwnedAt = nil
	}

	return m.applyForced(ctx, &next, locker.Version, domain.EventLockerForced, staffUser, map[string]interface{}{"reason": reason})
}

// SetDisplayName updates a locker's operator-facing label. Requires a staff
// identity and rejects names outside domain.DisplayNameCharset.
func (m *Machine) SetDisplayName(ctx context.Context, kioskID, lockerID, staffUser, displayName string) (*domain.Locker, error) {
	if staffUser == "" {
		return nil, lockerr.Wrap(lockerr.Validation, errors.New("staff_user required to rename a locker"))
	}
	if !m.nameRegex.MatchString(displayName) {
		return nil, lockerr.Wrap(lockerr.Validation, fmt.Errorf("display name %q contains characters outside the allowed charset", displayName))
	}
	locker, err := m.store.GetLocker(ctx, kioskID, lockerID)
	if err != nil {
		return nil, m.wrapLookup(err)
	}

	next := *locker
	next.DisplayName = displayName

	return m.apply(ctx, &next, locker.Version, domain.EventLockerRenamed, staffUser, map[string]interface{}{"reason": "display_name_update"})
}

// CleanupExpiredReservations transitions every Reserved locker past its TTL
// back to Free, emitting a timeout release event per affected row. Intended
// to be invoked periodically by internal/taskloop.
func (m *Machine) CleanupExpiredReservations(ctx context.Context) (int, error) {
	lockers, err := m.store.ListLockers(ctx, storage.LockerFilter{})
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}

	now := m.now()
	cleared := 0
	for _, l := range lockers {
		if l.Status != domain.LockerReserved || l.ReservedAt == nil {
			continue
		}
		if now.Sub(*l.ReservedAt) < m.cfg.ReserveTTL {
			continue
		}

		next := *l
		next.Status = domain.LockerFree
		next.OwnerType = domain.OwnerNone
		next.OwnerKey = ""
		next.ReservedAt = nil
		next.OwnedAt = nil

		details := map[string]interface{}{"release_method": domain.ReleaseByTimeout}
		if _, err := m.apply(ctx, &next, l.Version, domain.EventRFIDRelease, "", details); err != nil {
			if lockerr.Categorize(err) == lockerr.Conflict {
				// Another writer already moved this row; nothing to clean up.
				continue
			}
			m.logger.Error("cleanup: failed to release expired reservation",
				"kiosk_id", l.KioskID, "locker_id", l.LockerID, "error", err)
			continue
		}
		cleared++
	}
	return cleared, nil
}

func (m *Machine) apply(ctx context.Context, next *domain.Locker, expectedVersion int64, eventType domain.EventType, staffUser string, details map[string]interface{}) (*domain.Locker, error) {
	newVersion, err := m.store.UpdateLockerVersioned(ctx, next, expectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, lockerr.Wrap(lockerr.Conflict, err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lockerr.Wrap(lockerr.Validation, err)
		}
		return nil, lockerr.Wrap(lockerr.Transient, err)
	}

	next.Version = newVersion
	next.UpdatedAt = m.now()
	m.emit(ctx, next, eventType, staffUser, details, false)
	return next, nil
}

func (m *Machine) applyForced(ctx context.Context, next *domain.Locker, expectedVersion int64, eventType domain.EventType, staffUser string, details map[string]interface{}) (*domain.Locker, error) {
	newVersion, err := m.store.UpdateLockerVersioned(ctx, next, expectedVersion)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, lockerr.Wrap(lockerr.Conflict, err)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil, lockerr.Wrap(lockerr.Validation, err)
		}
		return nil, lockerr.Wrap(lockerr.Transient, err)
	}

	next.Version = newVersion
	next.UpdatedAt = m.now()
	m.emit(ctx, next, eventType, staffUser, details, true)
	return next, nil
}

func (m *Machine) emit(ctx context.Context, locker *domain.Locker, eventType domain.EventType, staffUser string, details map[string]interface{}, forced bool) {
	if details == nil {
		details = map[string]interface{}{}
	}
	if forced {
		details["forced"] = true
	}

	event := &domain.Event{
		Timestamp: m.now(),
		KioskID:   locker.KioskID,
		LockerID:  locker.LockerID,
		EventType: eventType,
		StaffUser: staffUser,
		Details:   details,
	}
	switch locker.OwnerType {
	case domain.OwnerRFID:
		event.RFIDCard = locker.OwnerKey
	case domain.OwnerQRDevice:
		event.DeviceID = locker.OwnerKey
	}
	if m.events != nil {
		if _, err := m.events.AppendEvent(ctx, event); err != nil {
			m.logger.Error("failed to append event", "event_type", eventType, "error", err)
		}
	}
	if m.notifier != nil {
		m.notifier.Publish(*locker)
	}
}

func (m *Machine) wrapLookup(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return lockerr.Wrap(lockerr.Validation, err)
	}
	return lockerr.Wrap(lockerr.Transient, err)
}
