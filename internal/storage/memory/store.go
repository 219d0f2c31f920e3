// Package memory implements storage.Store entirely in process memory. It
// backs unit tests for internal/lockerstate, internal/queue, and
// internal/heartbeat. The lite profile does not use it; it always opens
// SQLite.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/storage"
)

type lockerKey struct {
	kioskID  string
	lockerID string
}

// Store is an in-memory, mutex-guarded storage.Store.
type Store struct {
	mu sync.Mutex

	lockers    map[lockerKey]*domain.Locker
	commands   map[string]*domain.Command
	events     []*domain.Event
	nextEvent  int64
	heartbeats map[string]*domain.KioskHeartbeat
	zones      map[string]*domain.ZoneConfig
	zoneOrder  []string
}

// New returns an empty in-memory Store.
func New() *Store {
	return &Store{
		lockers:    make(map[lockerKey]*domain.Locker),
		commands:   make(map[string]*domain.Command),
		heartbeats: make(map[string]*domain.KioskHeartbeat),
		zones:      make(map[string]*domain.ZoneConfig),
	}
}

func (s *Store) GetLocker(_ context.Context, kioskID, lockerID string) (*domain.Locker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.lockers[lockerKey{kioskID, lockerID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) ListLockers(_ context.Context, filter storage.LockerFilter) ([]*domain.Locker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Locker, 0, len(s.lockers))
	for k, l := range s.lockers {
		if filter.KioskID != "" && k.kioskID != filter.KioskID {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].KioskID != out[j].KioskID {
			return out[i].KioskID < out[j].KioskID
		}
		return out[i].LockerID < out[j].LockerID
	})
	return out, nil
}

func (s *Store) UpsertLocker(_ context.Context, locker *domain.Locker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *locker
	if cp.Version == 0 {
		cp.Version = 1
	}
	s.lockers[lockerKey{cp.KioskID, cp.LockerID}] = &cp
	return nil
}

func (s *Store) UpdateLockerVersioned(_ context.Context, next *domain.Locker, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockerKey{next.KioskID, next.LockerID}
	cur, ok := s.lockers[key]
	if !ok {
		return 0, storage.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return 0, storage.ErrConflict
	}

	cp := *next
	cp.Version = cur.Version + 1
	s.lockers[key] = &cp
	return cp.Version, nil
}

func (s *Store) EnqueueCommand(_ context.Context, cmd *domain.Command) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cmd
	if cp.CommandID == "" {
		cp.CommandID = uuid.NewString()
	}
	if cp.Status == "" {
		cp.Status = domain.CommandPending
	}
	s.commands[cp.CommandID] = &cp
	return cp.CommandID, nil
}

func (s *Store) FetchPendingCommands(_ context.Context, kioskID string, limit int, now time.Time) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Command
	for _, c := range s.commands {
		if c.KioskID != kioskID || c.Status != domain.CommandPending {
			continue
		}
		if c.NextAttemptAt.After(now) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimCommand(_ context.Context, commandID string, now time.Time) (*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if c.Status != domain.CommandPending {
		return nil, storage.ErrConflict
	}

	c.Status = domain.CommandExecuting
	c.ExecutedAt = &now
	cp := *c
	return &cp, nil
}

func (s *Store) CompleteCommand(_ context.Context, commandID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return storage.ErrNotFound
	}
	c.Status = domain.CommandCompleted
	c.CompletedAt = &now
	return nil
}

func (s *Store) FailCommand(_ context.Context, commandID string, lastError string, nextAttemptAt time.Time, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return storage.ErrNotFound
	}
	c.LastError = lastError
	c.RetryCount++
	if terminal {
		c.Status = domain.CommandFailed
	} else {
		c.Status = domain.CommandPending
		c.NextAttemptAt = nextAttemptAt
	}
	return nil
}

func (s *Store) CancelCommand(_ context.Context, commandID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[commandID]
	if !ok {
		return storage.ErrNotFound
	}
	if c.Status.IsTerminal() {
		return nil
	}
	c.Status = domain.CommandCancelled
	return nil
}

func (s *Store) ClearPendingCommands(_ context.Context, kioskID string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.commands {
		if c.KioskID != kioskID || c.Status.IsTerminal() {
			continue
		}
		c.Status = domain.CommandCancelled
		n++
	}
	return n, nil
}

func (s *Store) FindStaleExecuting(_ context.Context, olderThan time.Time) ([]*domain.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Command
	for _, c := range s.commands {
		if c.Status != domain.CommandExecuting {
			continue
		}
		if c.ExecutedAt == nil || c.ExecutedAt.After(olderThan) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteTerminalCommandsBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, c := range s.commands {
		if !c.Status.IsTerminal() || c.CompletedAt == nil {
			continue
		}
		if c.CompletedAt.Before(cutoff) {
			delete(s.commands, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) AppendEvent(_ context.Context, event *domain.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEvent++
	cp := *event
	cp.ID = s.nextEvent
	s.events = append(s.events, &cp)
	return cp.ID, nil
}

func (s *Store) QueryEvents(_ context.Context, kioskID string, since, until time.Time, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if kioskID != "" && e.KioskID != kioskID {
			continue
		}
		if !since.IsZero() && e.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !e.Timestamp.Before(until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteEventsBefore(_ context.Context, cutoff, auditCutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	removed := 0
	for _, e := range s.events {
		limit := cutoff
		if e.EventType.IsAudit() {
			limit = auditCutoff
		}
		if e.Timestamp.Before(limit) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

func (s *Store) EventsNeedingAnonymization(_ context.Context, cutoff time.Time, limit int) ([]*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Event
	for _, e := range s.events {
		if !e.Timestamp.Before(cutoff) {
			continue
		}
		if needsAnonymization(e.RFIDCard) || needsAnonymization(e.DeviceID) {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func needsAnonymization(v string) bool {
	return v != "" && !strings.HasPrefix(v, "anon_")
}

func (s *Store) SetEventAnonymizedFields(_ context.Context, id int64, rfidCard, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.ID == id {
			e.RFIDCard = rfidCard
			e.DeviceID = deviceID
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *Store) UpsertHeartbeat(_ context.Context, hb *domain.KioskHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *hb
	s.heartbeats[cp.KioskID] = &cp
	return nil
}

func (s *Store) GetHeartbeat(_ context.Context, kioskID string) (*domain.KioskHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hb, ok := s.heartbeats[kioskID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *hb
	return &cp, nil
}

func (s *Store) ListStaleHeartbeats(_ context.Context, cutoff time.Time) ([]*domain.KioskHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.KioskHeartbeat
	for _, hb := range s.heartbeats {
		if hb.Status == domain.KioskOffline {
			continue
		}
		if hb.LastSeen.After(cutoff) {
			continue
		}
		cp := *hb
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) GetZoneConfig(_ context.Context, id string) (*domain.ZoneConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zones[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *z
	return &cp, nil
}

func (s *Store) ListZoneConfigs(_ context.Context) ([]*domain.ZoneConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.ZoneConfig, 0, len(s.zoneOrder))
	for _, id := range s.zoneOrder {
		z := s.zones[id]
		cp := *z
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) PutZoneConfig(_ context.Context, zone *domain.ZoneConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *zone
	if _, exists := s.zones[cp.ID]; !exists {
		s.zoneOrder = append(s.zoneOrder, cp.ID)
	}
	s.zones[cp.ID] = &cp
	return nil
}

func (s *Store) Health(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
