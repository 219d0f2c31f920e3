package zoneengine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/zoneengine"
)

func TestValidate_RejectsDuplicateZoneID(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}},
		{ID: "a", Enabled: true, RelayCards: []int{2}},
	}
	_, err := zoneengine.Validate(zones, []int{1, 2})
	require.Error(t, err)
}

func TestValidate_RejectsUnknownRelayCard(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{99}},
	}
	_, err := zoneengine.Validate(zones, []int{1, 2})
	require.Error(t, err)
}

func TestValidate_RejectsOverlappingRanges(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}, Ranges: []domain.LockerRange{{Start: 1, End: 10}}},
		{ID: "b", Enabled: true, RelayCards: []int{2}, Ranges: []domain.LockerRange{{Start: 5, End: 15}}},
	}
	_, err := zoneengine.Validate(zones, []int{1, 2})
	require.Error(t, err)
}

func TestValidate_WarnsOnGapBetweenRanges(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}, Ranges: []domain.LockerRange{{Start: 1, End: 10}}},
		{ID: "b", Enabled: true, RelayCards: []int{2}, Ranges: []domain.LockerRange{{Start: 20, End: 30}}},
	}
	warnings, err := zoneengine.Validate(zones, []int{1, 2})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}

func TestValidate_RejectsCapacityExceeded(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}, Ranges: []domain.LockerRange{{Start: 1, End: 20}}},
	}
	_, err := zoneengine.Validate(zones, []int{1})
	require.Error(t, err)
}

func TestValidate_RejectsMalformedZoneID(t *testing.T) {
	zones := []domain.ZoneConfig{{ID: "bad id!", Enabled: true}}
	_, err := zoneengine.Validate(zones, nil)
	require.Error(t, err)
}

func TestReconcile_AssignsSequentialRanges(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}},
		{ID: "b", Enabled: true, RelayCards: []int{2}},
	}
	result := zoneengine.Reconcile(zones, []int{1, 2})

	require.Len(t, result.Zones, 2)
	require.Equal(t, []domain.LockerRange{{Start: 1, End: 16}}, result.Zones[0].Ranges)
	require.Equal(t, []domain.LockerRange{{Start: 17, End: 32}}, result.Zones[1].Ranges)
	require.Empty(t, result.Warnings)
}

func TestReconcile_ExtendsLastZoneToCoverRemainder(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}},
	}
	result := zoneengine.Reconcile(zones, []int{1, 2, 3})

	require.Len(t, result.Diffs, 1)
	last := result.Zones[0]
	require.Equal(t, 48, last.Covered())
	require.Contains(t, last.RelayCards, 2)
	require.Contains(t, last.RelayCards, 3)
}

func TestReconcile_NoChangeWhenCapacityAlreadyMatches(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{1}, Ranges: []domain.LockerRange{{Start: 1, End: 16}}},
		{ID: "b", Enabled: true, RelayCards: []int{2}, Ranges: []domain.LockerRange{{Start: 17, End: 32}}},
	}
	result := zoneengine.Reconcile(zones, []int{1, 2})

	require.Empty(t, result.Diffs)
	require.Equal(t, zones[0].Ranges, result.Zones[0].Ranges)
	require.Equal(t, zones[1].Ranges, result.Zones[1].Ranges)
}

func TestReconcile_SkipsDisabledZones(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: false, RelayCards: []int{1}},
		{ID: "b", Enabled: true, RelayCards: []int{2}},
	}
	result := zoneengine.Reconcile(zones, []int{1, 2})

	require.Empty(t, result.Zones[0].Ranges)
	require.Equal(t, []domain.LockerRange{{Start: 1, End: 16}}, result.Zones[1].Ranges)
}

func TestResolve_LegacyMappingIgnoresZones(t *testing.T) {
	mapping, err := zoneengine.Resolve(nil, 17, false)
	require.NoError(t, err)
	require.Equal(t, 2, mapping.SlaveAddress)
	require.Equal(t, 1, mapping.Coil)
}

func TestResolve_ZoneAwareMapping(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{5}, Ranges: []domain.LockerRange{{Start: 1, End: 16}}},
	}
	mapping, err := zoneengine.Resolve(zones, 1, true)
	require.NoError(t, err)
	require.Equal(t, 5, mapping.SlaveAddress)
	require.Equal(t, 1, mapping.Coil)
	require.Equal(t, "a", mapping.ZoneID)
}

func TestResolve_PositionNotCoveredByAnyZone(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{5}, Ranges: []domain.LockerRange{{Start: 1, End: 16}}},
	}
	_, err := zoneengine.Resolve(zones, 100, true)
	require.Error(t, err)
}

func TestResolve_ExceedsAssignedRelayCardCapacity(t *testing.T) {
	zones := []domain.ZoneConfig{
		{ID: "a", Enabled: true, RelayCards: []int{5}, Ranges: []domain.LockerRange{{Start: 1, End: 32}}},
	}
	_, err := zoneengine.Resolve(zones, 20, true)
	require.Error(t, err)
}
