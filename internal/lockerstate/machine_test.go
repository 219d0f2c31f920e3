package lockerstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/lockerstate"
	"github.com/lockerctl/lockerctl/internal/storage/memory"
)

type fakeSink struct{ events []*domain.Event }

func (f *fakeSink) AppendEvent(_ context.Context, e *domain.Event) (int64, error) {
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

type fakeNotifier struct{ published []domain.Locker }

func (f *fakeNotifier) Publish(l domain.Locker) { f.published = append(f.published, l) }

func newMachine(t *testing.T) (*lockerstate.Machine, *memory.Store, *fakeSink) {
	t.Helper()
	store := memory.New()
	sink := &fakeSink{}
	m := lockerstate.New(store, sink, &fakeNotifier{}, lockerstate.DefaultConfig(), nil)
	return m, store, sink
}

func seedLocker(t *testing.T, store *memory.Store, l *domain.Locker) {
	t.Helper()
	require.NoError(t, store.UpsertLocker(context.Background(), l))
}

func TestAssign_FreeLockerBecomesReserved(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	locker, err := m.Assign(context.Background(), "k1", "L1", domain.OwnerRFID, "card-1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerReserved, locker.Status)
	require.Equal(t, "card-1", locker.OwnerKey)
	require.NotNil(t, locker.ReservedAt)
}

func TestAssign_RejectsAlreadyOwned(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerReserved, OwnerType: domain.OwnerRFID, OwnerKey: "card-1"})

	_, err := m.Assign(context.Background(), "k1", "L1", domain.OwnerRFID, "card-2")
	require.Error(t, err)
	require.Equal(t, lockerr.Conflict, lockerr.Categorize(err))
}

func TestAssign_RejectsVIPLocker(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree, IsVIP: true})

	_, err := m.Assign(context.Background(), "k1", "L1", domain.OwnerRFID, "card-1")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestAssign_RejectsSecondLockerForSameOwner(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerOwned, OwnerType: domain.OwnerRFID, OwnerKey: "card-1"})
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L2", Status: domain.LockerFree})

	_, err := m.Assign(context.Background(), "k1", "L2", domain.OwnerRFID, "card-1")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestConfirmAndRelease(t *testing.T) {
	m, store, sink := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	_, err := m.Assign(context.Background(), "k1", "L1", domain.OwnerRFID, "card-1")
	require.NoError(t, err)

	locker, err := m.Confirm(context.Background(), "k1", "L1", domain.OwnerRFID, "card-1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerOwned, locker.Status)

	locker, err = m.Release(context.Background(), "k1", "L1", "card-1", "")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)
	require.False(t, locker.HasOwner())

	require.Len(t, sink.events, 3)
	require.Equal(t, domain.EventRFIDAssign, sink.events[0].EventType)
	require.Equal(t, domain.EventRFIDConfirm, sink.events[1].EventType, "confirming a reservation must not be reported as a fresh assign")
	require.Equal(t, domain.EventRFIDRelease, sink.events[2].EventType)
}

func TestRelease_WrongOwnerRejected(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerOwned, OwnerType: domain.OwnerRFID, OwnerKey: "card-1"})

	_, err := m.Release(context.Background(), "k1", "L1", "card-2", "")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestRelease_FreeLockerIsNoOp(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	locker, err := m.Release(context.Background(), "k1", "L1", "card-1", "")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)

	again, err := m.Release(context.Background(), "k1", "L1", "card-1", "")
	require.NoError(t, err)
	require.Equal(t, locker.Version, again.Version)
}

func TestRelease_StaffOverrideBypassesOwnerCheck(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerOwned, OwnerType: domain.OwnerRFID, OwnerKey: "card-1"})

	locker, err := m.Release(context.Background(), "k1", "L1", "", "staff-1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)
}

func TestBlockRequiresStaffUser(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	_, err := m.Block(context.Background(), "k1", "L1", "", "broken door")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestBlockAndUnblock(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	locker, err := m.Block(context.Background(), "k1", "L1", "staff-1", "broken door")
	require.NoError(t, err)
	require.Equal(t, domain.LockerBlocked, locker.Status)

	_, err = m.Block(context.Background(), "k1", "L1", "staff-1", "already blocked")
	require.Error(t, err)
	require.Equal(t, lockerr.Conflict, lockerr.Categorize(err))

	locker, err = m.Unblock(context.Background(), "k1", "L1", "staff-1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)
}

func TestForceTransitionBypassesPreconditions(t *testing.T) {
	m, store, _ := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerOwned, OwnerType: domain.OwnerRFID, OwnerKey: "card-1"})

	locker, err := m.ForceTransition(context.Background(), "k1", "L1", domain.LockerFree, "staff-1", "stuck door forced open")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)
	require.False(t, locker.HasOwner())
}

func TestSetDisplayName(t *testing.T) {
	m, store, sink := newMachine(t)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree})

	locker, err := m.SetDisplayName(context.Background(), "k1", "L1", "staff-1", "Locker A-1")
	require.NoError(t, err)
	require.Equal(t, "Locker A-1", locker.DisplayName)

	_, err = m.SetDisplayName(context.Background(), "k1", "L1", "staff-1", "bad<name>")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))

	_, err = m.SetDisplayName(context.Background(), "k1", "L1", "", "Locker A-1")
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventLockerRenamed, sink.events[0].EventType, "renaming a locker must not be reported as a forced transition")
}

func TestCleanupExpiredReservations(t *testing.T) {
	m, store, _ := newMachine(t)
	past := time.Now().Add(-2 * time.Hour)
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerReserved, OwnerType: domain.OwnerRFID, OwnerKey: "card-1", ReservedAt: &past})
	seedLocker(t, store, &domain.Locker{KioskID: "k1", LockerID: "L2", Status: domain.LockerFree})

	cfg := lockerstate.Config{ReserveTTL: 90 * time.Second}
	m2 := lockerstate.New(store, &fakeSink{}, &fakeNotifier{}, cfg, nil)

	n, err := m2.CleanupExpiredReservations(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	locker, err := store.GetLocker(context.Background(), "k1", "L1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, locker.Status)

	_ = m
}
