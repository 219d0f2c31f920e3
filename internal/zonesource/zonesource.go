// Package zonesource loads the zone layout and relay-card inventory files
// the configuration manager reconciles on every SIGHUP-driven reload, and
// publishes the reconciled layout to the rest of the process.
package zonesource

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/lockerctl/lockerctl/internal/domain"
)

// layoutFile is the on-disk shape of the zone layout file.
type layoutFile struct {
	Zones []domain.ZoneConfig `yaml:"zones"`
}

// inventoryFile is the on-disk shape of the relay-card inventory file: the
// operator's record of which card addresses are currently wired into the
// kiosk, maintained by hand since Modbus discovery is out of scope.
type inventoryFile struct {
	Cards []int `yaml:"cards"`
}

// FileSource implements config.ZoneSource by reading the zone layout and
// card inventory from YAML files on disk. cardInventoryPath is read fresh
// on every AvailableCards call so an operator can update the inventory
// file without restarting the process — only a SIGHUP is needed.
type FileSource struct {
	cardInventoryPath string
	logger            *slog.Logger
}

// New constructs a FileSource. cardInventoryPath is the relay-card
// inventory file; the zone layout path is supplied per-call to LoadZones.
func New(cardInventoryPath string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{cardInventoryPath: cardInventoryPath, logger: logger.With("component", "zonesource")}
}

// LoadZones reads and parses the zone layout file at path.
func (s *FileSource) LoadZones(path string) ([]domain.ZoneConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read zone layout %s: %w", path, err)
	}
	var f layoutFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse zone layout %s: %w", path, err)
	}
	return f.Zones, nil
}

// AvailableCards reads the operator-maintained relay-card inventory file.
func (s *FileSource) AvailableCards(_ context.Context) ([]int, error) {
	raw, err := os.ReadFile(s.cardInventoryPath)
	if err != nil {
		return nil, fmt.Errorf("read card inventory %s: %w", s.cardInventoryPath, err)
	}
	var f inventoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse card inventory %s: %w", s.cardInventoryPath, err)
	}
	return f.Cards, nil
}

// Registry holds the most recently reconciled zone layout, published by the
// reload coordinator and read by the hardware-mapping resolver on the
// kiosk-command and API paths. It implements config.ZonePublisher.
type Registry struct {
	current atomic.Value // []domain.ZoneConfig
	logger  *slog.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger.With("component", "zone_registry")}
	r.current.Store([]domain.ZoneConfig{})
	return r
}

// PublishZones implements config.ZonePublisher.
func (r *Registry) PublishZones(zones []domain.ZoneConfig) {
	r.current.Store(zones)
	r.logger.Info("zone layout published", "zone_count", len(zones))
}

// Zones returns the currently published zone layout.
func (r *Registry) Zones() []domain.ZoneConfig {
	return r.current.Load().([]domain.ZoneConfig)
}
