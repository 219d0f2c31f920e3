package config_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/config"
	"github.com/lockerctl/lockerctl/internal/domain"
)

const baseConfigYAML = `
profile: lite
storage:
  backend: sqlite
  sqlite_path: %s
server:
  port: 8080
log:
  level: info
zones:
  enabled: %t
  layout_path: %s
  card_inventory_path: %s
`

type stubZoneSource struct {
	zones []domain.ZoneConfig
	cards []int
	err   error
}

func (s *stubZoneSource) LoadZones(_ string) ([]domain.ZoneConfig, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.zones, nil
}

func (s *stubZoneSource) AvailableCards(_ context.Context) ([]int, error) {
	return s.cards, nil
}

type stubPublisher struct{ published []domain.ZoneConfig }

func (p *stubPublisher) PublishZones(zones []domain.ZoneConfig) { p.published = zones }

func writeConfig(t *testing.T, dir string, zonesEnabled bool) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	dbPath := filepath.Join(dir, "db.sqlite")
	content := fmt.Sprintf(baseConfigYAML, dbPath, zonesEnabled, filepath.Join(dir, "zones.yaml"), filepath.Join(dir, "cards.yaml"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReloadCoordinator_ReloadWithoutZonesSucceeds(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, false)

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)

	rc := config.NewReloadCoordinator(initial, path, "", nil, nil, nil, nil, nil)

	result, err := rc.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, int64(2), result.Version)
}

func TestReloadCoordinator_ReloadWithZonesPublishes(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, true)

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)

	zones := &stubZoneSource{
		zones: []domain.ZoneConfig{{ID: "zone-a", Enabled: true, RelayCards: []int{1}}},
		cards: []int{1},
	}
	publisher := &stubPublisher{}

	rc := config.NewReloadCoordinator(initial, path, filepath.Join(dir, "zones.yaml"), zones, nil, publisher, nil, nil)

	result, err := rc.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Len(t, publisher.published, 1)
	require.Len(t, rc.GetCurrentZones(), 1)
}

func TestReloadCoordinator_InvalidZoneLayoutLeavesConfigUntouched(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, true)

	initial, err := config.LoadConfig(path)
	require.NoError(t, err)

	zones := &stubZoneSource{
		zones: []domain.ZoneConfig{{ID: "zone-a", Enabled: true, RelayCards: []int{99}}},
		cards: []int{1},
	}

	rc := config.NewReloadCoordinator(initial, path, filepath.Join(dir, "zones.yaml"), zones, nil, &stubPublisher{}, nil, nil)

	_, err = rc.Reload(context.Background())
	require.Error(t, err)
	require.Empty(t, rc.GetCurrentZones())
}
