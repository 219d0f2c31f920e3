package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/storage"
	"github.com/lockerctl/lockerctl/internal/storage/memory"
)

func TestUpsertAndGetLocker(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree}))

	l, err := store.GetLocker(context.Background(), "k1", "L1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerFree, l.Status)
	require.Equal(t, int64(1), l.Version)
}

func TestGetLocker_NotFound(t *testing.T) {
	store := memory.New()
	_, err := store.GetLocker(context.Background(), "k1", "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateLockerVersioned_ConflictOnStaleVersion(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree, Version: 1}))

	_, err := store.UpdateLockerVersioned(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerReserved}, 99)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestUpdateLockerVersioned_SucceedsAndIncrementsVersion(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree, Version: 1}))

	newVersion, err := store.UpdateLockerVersioned(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerReserved}, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), newVersion)

	l, err := store.GetLocker(context.Background(), "k1", "L1")
	require.NoError(t, err)
	require.Equal(t, domain.LockerReserved, l.Status)
}

func TestListLockers_FiltersByKiosk(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree}))
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k2", LockerID: "L1", Status: domain.LockerFree}))

	out, err := store.ListLockers(context.Background(), storage.LockerFilter{KioskID: "k1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "k1", out[0].KioskID)
}

func TestZoneConfigRoundTrip(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.PutZoneConfig(context.Background(), &domain.ZoneConfig{ID: "zone-a", Enabled: true, RelayCards: []int{1}}))

	cfg, err := store.GetZoneConfig(context.Background(), "zone-a")
	require.NoError(t, err)
	require.True(t, cfg.Enabled)

	all, err := store.ListZoneConfigs(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestHealth(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.Health(context.Background()))
}
