// Package sqlite implements storage.Store against a single-file SQLite
// database via modernc.org/sqlite (cgo-free), for the lite deployment
// profile. SQLite has no RETURNING-on-conflict-miss signal as clean as
// Postgres, so conditional updates check sql.Result.RowsAffected instead.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// Store is a database/sql-backed storage.Store using the modernc.org/sqlite driver.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an already-opened *sql.DB (driver name "sqlite").
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With("component", "storage.sqlite")}
}

func (s *Store) GetLocker(ctx context.Context, kioskID, lockerID string) (*domain.Locker, error) {
	const query = `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at,
		       is_vip, display_name, version, updated_at
		FROM lockers WHERE kiosk_id = ? AND id = ?
	`
	var l domain.Locker
	err := s.db.QueryRowContext(ctx, query, kioskID, lockerID).Scan(
		&l.KioskID, &l.LockerID, &l.Status, &l.OwnerType, &l.OwnerKey,
		&l.ReservedAt, &l.OwnedAt, &l.IsVIP, &l.DisplayName, &l.Version, &l.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get locker: %w", err)
	}
	return &l, nil
}

func (s *Store) ListLockers(ctx context.Context, filter storage.LockerFilter) ([]*domain.Locker, error) {
	query := `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at,
		       is_vip, display_name, version, updated_at
		FROM lockers WHERE (? = '' OR kiosk_id = ?) ORDER BY kiosk_id, id
	`
	rows, err := s.db.QueryContext(ctx, query, filter.KioskID, filter.KioskID)
	if err != nil {
		return nil, fmt.Errorf("list lockers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Locker
	for rows.Next() {
		var l domain.Locker
		if err := rows.Scan(
			&l.KioskID, &l.LockerID, &l.Status, &l.OwnerType, &l.OwnerKey,
			&l.ReservedAt, &l.OwnedAt, &l.IsVIP, &l.DisplayName, &l.Version, &l.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan locker: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *Store) UpsertLocker(ctx context.Context, locker *domain.Locker) error {
	const query = `
		INSERT OR IGNORE INTO lockers (kiosk_id, id, status, owner_type, owner_key,
		                                reserved_at, owned_at, is_vip, display_name, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		locker.KioskID, locker.LockerID, locker.Status, locker.OwnerType, locker.OwnerKey,
		locker.ReservedAt, locker.OwnedAt, locker.IsVIP, locker.DisplayName, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert locker: %w", err)
	}
	return nil
}

func (s *Store) UpdateLockerVersioned(ctx context.Context, next *domain.Locker, expectedVersion int64) (int64, error) {
	const query = `
		UPDATE lockers
		SET status = ?, owner_type = ?, owner_key = ?, reserved_at = ?, owned_at = ?,
		    is_vip = ?, display_name = ?, version = version + 1, updated_at = ?
		WHERE kiosk_id = ? AND id = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		next.Status, next.OwnerType, next.OwnerKey, next.ReservedAt, next.OwnedAt,
		next.IsVIP, next.DisplayName, time.Now().UTC(), next.KioskID, next.LockerID, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update locker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetLocker(ctx, next.KioskID, next.LockerID); errors.Is(getErr, storage.ErrNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, storage.ErrConflict
	}
	return expectedVersion + 1, nil
}

func (s *Store) EnqueueCommand(ctx context.Context, cmd *domain.Command) (string, error) {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	id := uuid.NewString()
	const query = `
		INSERT INTO command_queue (command_id, kiosk_id, command_type, payload, status,
		                            retry_count, max_retries, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query, id, cmd.KioskID, cmd.CommandType, payload,
		cmd.MaxRetries, cmd.NextAttemptAt, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("enqueue command: %w", err)
	}
	return id, nil
}

func (s *Store) FetchPendingCommands(ctx context.Context, kioskID string, limit int, now time.Time) ([]*domain.Command, error) {
	const query = `
		SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
		       next_attempt_at, last_error, created_at, executed_at, completed_at
		FROM command_queue
		WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, kioskID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending commands: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *Store) ClaimCommand(ctx context.Context, commandID string, now time.Time) (*domain.Command, error) {
	const query = `UPDATE command_queue SET status = 'executing', executed_at = ? WHERE command_id = ? AND status = 'pending'`
	res, err := s.db.ExecContext(ctx, query, now, commandID)
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		if exists, _ := s.commandExists(ctx, commandID); !exists {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrConflict
	}

	return s.getCommand(ctx, commandID)
}

func (s *Store) commandExists(ctx context.Context, commandID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM command_queue WHERE command_id = ?)`, commandID).Scan(&exists)
	return exists, err
}

func (s *Store) getCommand(ctx context.Context, commandID string) (*domain.Command, error) {
	const query = `
		SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
		       next_attempt_at, last_error, created_at, executed_at, completed_at
		FROM command_queue WHERE command_id = ?
	`
	var cmd domain.Command
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, commandID).Scan(
		&cmd.CommandID, &cmd.KioskID, &cmd.CommandType, &payload, &cmd.Status,
		&cmd.RetryCount, &cmd.MaxRetries, &cmd.NextAttemptAt, &cmd.LastError,
		&cmd.CreatedAt, &cmd.ExecutedAt, &cmd.CompletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &cmd, nil
}

func (s *Store) CompleteCommand(ctx context.Context, commandID string, now time.Time) error {
	const query = `UPDATE command_queue SET status = 'completed', completed_at = ? WHERE command_id = ?`
	res, err := s.db.ExecContext(ctx, query, now, commandID)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) FailCommand(ctx context.Context, commandID string, lastError string, nextAttemptAt time.Time, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	const query = `
		UPDATE command_queue SET status = ?, last_error = ?, retry_count = retry_count + 1, next_attempt_at = ?
		WHERE command_id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, lastError, nextAttemptAt, commandID)
	if err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) CancelCommand(ctx context.Context, commandID string) error {
	const query = `
		UPDATE command_queue SET status = 'cancelled'
		WHERE command_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	_, err := s.db.ExecContext(ctx, query, commandID)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	return nil
}

func (s *Store) ClearPendingCommands(ctx context.Context, kioskID string, _ time.Time) (int, error) {
	const query = `
		UPDATE command_queue SET status = 'cancelled'
		WHERE kiosk_id = ? AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	res, err := s.db.ExecContext(ctx, query, kioskID)
	if err != nil {
		return 0, fmt.Errorf("clear pending commands: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) FindStaleExecuting(ctx context.Context, olderThan time.Time) ([]*domain.Command, error) {
	const query = `
		SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
		       next_attempt_at, last_error, created_at, executed_at, completed_at
		FROM command_queue WHERE status = 'executing' AND executed_at <= ?
	`
	rows, err := s.db.QueryContext(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale executing: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *Store) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `
		DELETE FROM command_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
	`
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal commands: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func scanCommands(rows *sql.Rows) ([]*domain.Command, error) {
	var out []*domain.Command
	for rows.Next() {
		var cmd domain.Command
		var payload []byte
		if err := rows.Scan(
			&cmd.CommandID, &cmd.KioskID, &cmd.CommandType, &payload, &cmd.Status,
			&cmd.RetryCount, &cmd.MaxRetries, &cmd.NextAttemptAt, &cmd.LastError,
			&cmd.CreatedAt, &cmd.ExecutedAt, &cmd.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &cmd.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		out = append(out, &cmd)
	}
	return out, rows.Err()
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return 0, fmt.Errorf("marshal event details: %w", err)
	}
	const query = `
		INSERT INTO events (timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query, event.Timestamp, event.KioskID, event.LockerID,
		event.EventType, event.RFIDCard, event.DeviceID, event.StaffUser, details)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEvents(ctx context.Context, kioskID string, since, until time.Time, limit int) ([]*domain.Event, error) {
	const query = `
		SELECT id, timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details
		FROM events
		WHERE (? = '' OR kiosk_id = ?)
		  AND (? = 0 OR timestamp >= ?)
		  AND (? = 0 OR timestamp < ?)
		ORDER BY timestamp DESC LIMIT ?
	`
	sinceZero, untilZero := since.IsZero(), until.IsZero()
	rows, err := s.db.QueryContext(ctx, query,
		kioskID, kioskID,
		boolToInt(sinceZero), since,
		boolToInt(untilZero), until,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.KioskID, &e.LockerID, &e.EventType,
			&e.RFIDCard, &e.DeviceID, &e.StaffUser, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal event details: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff, auditCutoff time.Time) (int, error) {
	const query = `
		DELETE FROM events
		WHERE (event_type NOT IN ('locker_blocked', 'locker_unblocked', 'locker_forced', 'locker_renamed',
		                           'hardware_fault', 'rate_limit_blocked', 'rate_limit_reset')
		       AND timestamp < ?)
		   OR (event_type IN ('locker_blocked', 'locker_unblocked', 'locker_forced', 'locker_renamed',
		                       'hardware_fault', 'rate_limit_blocked', 'rate_limit_reset')
		       AND timestamp < ?)
	`
	res, err := s.db.ExecContext(ctx, query, cutoff, auditCutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

func (s *Store) EventsNeedingAnonymization(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Event, error) {
	const query = `
		SELECT id, timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details
		FROM events
		WHERE timestamp < ?
		  AND ((rfid_card <> '' AND rfid_card NOT LIKE 'anon\_%' ESCAPE '\')
		       OR (device_id <> '' AND device_id NOT LIKE 'anon\_%' ESCAPE '\'))
		ORDER BY id LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("events needing anonymization: %w", err)
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		var e domain.Event
		var details []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.KioskID, &e.LockerID, &e.EventType,
			&e.RFIDCard, &e.DeviceID, &e.StaffUser, &details); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *Store) SetEventAnonymizedFields(ctx context.Context, id int64, rfidCard, deviceID string) error {
	const query = `UPDATE events SET rfid_card = ?, device_id = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, rfidCard, deviceID, id)
	if err != nil {
		return fmt.Errorf("set event anonymized fields: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set event anonymized fields: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertHeartbeat(ctx context.Context, hb *domain.KioskHeartbeat) error {
	const query = `
		INSERT INTO kiosk_heartbeat (kiosk_id, zone, version, status, last_seen, hardware_id, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kiosk_id) DO UPDATE SET
			zone = excluded.zone, version = excluded.version, status = excluded.status,
			last_seen = excluded.last_seen, hardware_id = excluded.hardware_id, config_hash = excluded.config_hash
	`
	_, err := s.db.ExecContext(ctx, query, hb.KioskID, hb.Zone, hb.Version, hb.Status, hb.LastSeen, hb.HardwareID, hb.ConfigHash)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Store) GetHeartbeat(ctx context.Context, kioskID string) (*domain.KioskHeartbeat, error) {
	const query = `
		SELECT kiosk_id, zone, version, status, last_seen, hardware_id, config_hash
		FROM kiosk_heartbeat WHERE kiosk_id = ?
	`
	var hb domain.KioskHeartbeat
	err := s.db.QueryRowContext(ctx, query, kioskID).Scan(
		&hb.KioskID, &hb.Zone, &hb.Version, &hb.Status, &hb.LastSeen, &hb.HardwareID, &hb.ConfigHash,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	return &hb, nil
}

func (s *Store) ListStaleHeartbeats(ctx context.Context, cutoff time.Time) ([]*domain.KioskHeartbeat, error) {
	const query = `
		SELECT kiosk_id, zone, version, status, last_seen, hardware_id, config_hash
		FROM kiosk_heartbeat WHERE status <> 'offline' AND last_seen <= ?
	`
	rows, err := s.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var out []*domain.KioskHeartbeat
	for rows.Next() {
		var hb domain.KioskHeartbeat
		if err := rows.Scan(&hb.KioskID, &hb.Zone, &hb.Version, &hb.Status, &hb.LastSeen, &hb.HardwareID, &hb.ConfigHash); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		out = append(out, &hb)
	}
	return out, rows.Err()
}

func (s *Store) GetZoneConfig(ctx context.Context, id string) (*domain.ZoneConfig, error) {
	const query = `SELECT id, ranges, relay_cards, enabled FROM zone_configs WHERE id = ?`
	var z domain.ZoneConfig
	var ranges, cards []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&z.ID, &ranges, &cards, &z.Enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get zone config: %w", err)
	}
	if err := json.Unmarshal(ranges, &z.Ranges); err != nil {
		return nil, fmt.Errorf("unmarshal ranges: %w", err)
	}
	if err := json.Unmarshal(cards, &z.RelayCards); err != nil {
		return nil, fmt.Errorf("unmarshal relay cards: %w", err)
	}
	return &z, nil
}

func (s *Store) ListZoneConfigs(ctx context.Context) ([]*domain.ZoneConfig, error) {
	const query = `SELECT id, ranges, relay_cards, enabled FROM zone_configs ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list zone configs: %w", err)
	}
	defer rows.Close()

	var out []*domain.ZoneConfig
	for rows.Next() {
		var z domain.ZoneConfig
		var ranges, cards []byte
		if err := rows.Scan(&z.ID, &ranges, &cards, &z.Enabled); err != nil {
			return nil, fmt.Errorf("scan zone config: %w", err)
		}
		if err := json.Unmarshal(ranges, &z.Ranges); err != nil {
			return nil, fmt.Errorf("unmarshal ranges: %w", err)
		}
		if err := json.Unmarshal(cards, &z.RelayCards); err != nil {
			return nil, fmt.Errorf("unmarshal relay cards: %w", err)
		}
		out = append(out, &z)
	}
	return out, rows.Err()
}

func (s *Store) PutZoneConfig(ctx context.Context, zone *domain.ZoneConfig) error {
	ranges, err := json.Marshal(zone.Ranges)
	if err != nil {
		return fmt.Errorf("marshal ranges: %w", err)
	}
	cards, err := json.Marshal(zone.RelayCards)
	if err != nil {
		return fmt.Errorf("marshal relay cards: %w", err)
	}
	const query = `
		INSERT INTO zone_configs (id, ranges, relay_cards, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET ranges = excluded.ranges, relay_cards = excluded.relay_cards, enabled = excluded.enabled
	`
	_, err = s.db.ExecContext(ctx, query, zone.ID, ranges, cards, zone.Enabled)
	if err != nil {
		return fmt.Errorf("put zone config: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
