// Package postgres implements storage.Store against PostgreSQL via pgx,
// for the standard deployment profile. Conditional updates follow the
// optimistic-locking pattern of checking rows returned by an UPDATE ...
// WHERE version = $expected RETURNING version statement: pgx.ErrNoRows
// means either the row does not exist or the version was stale, and a
// follow-up existence check distinguishes the two.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// Store is a pgxpool-backed storage.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New wraps an already-connected pool. Callers own pool lifecycle setup
// (pgxpool.New) and migrations (internal/infrastructure/migrations), this type only issues queries.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger.With("component", "storage.postgres")}
}

func (s *Store) GetLocker(ctx context.Context, kioskID, lockerID string) (*domain.Locker, error) {
	const query = `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at,
		       is_vip, display_name, version, updated_at
		FROM lockers
		WHERE kiosk_id = $1 AND id = $2
	`

	var l domain.Locker
	err := s.pool.QueryRow(ctx, query, kioskID, lockerID).Scan(
		&l.KioskID, &l.LockerID, &l.Status, &l.OwnerType, &l.OwnerKey,
		&l.ReservedAt, &l.OwnedAt, &l.IsVIP, &l.DisplayName, &l.Version, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
		FROM lockers
		WHERE ($1 = '' OR kiosk_id = $1)
		ORDER BY kiosk_id, id
	`

	rows, err := s.pool.Query(ctx, query, filter.KioskID)
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
		INSERT INTO lockers (kiosk_id, id, status, owner_type, owner_key, reserved_at,
		                      owned_at, is_vip, display_name, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, NOW())
		ON CONFLICT (kiosk_id, id) DO NOTHING
	`

	_, err := s.pool.Exec(ctx, query,
		locker.KioskID, locker.LockerID, locker.Status, locker.OwnerType, locker.OwnerKey,
		locker.ReservedAt, locker.OwnedAt, locker.IsVIP, locker.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert locker: %w", err)
	}
	return nil
}

func (s *Store) UpdateLockerVersioned(ctx context.Context, next *domain.Locker, expectedVersion int64) (int64, error) {
	const query = `
		UPDATE lockers
		SET status = $1, owner_type = $2, owner_key = $3, reserved_at = $4,
		    owned_at = $5, is_vip = $6, display_name = $7, version = version + 1, updated_at = NOW()
		WHERE kiosk_id = $8 AND id = $9 AND version = $10
		RETURNING version
	`

	var newVersion int64
	err := s.pool.QueryRow(ctx, query,
		next.Status, next.OwnerType, next.OwnerKey, next.ReservedAt, next.OwnedAt,
		next.IsVIP, next.DisplayName, next.KioskID, next.LockerID, expectedVersion,
	).Scan(&newVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetLocker(ctx, next.KioskID, next.LockerID); errors.Is(getErr, storage.ErrNotFound) {
			return 0, storage.ErrNotFound
		}
		return 0, storage.ErrConflict
	}
	if err != nil {
		return 0, fmt.Errorf("update locker: %w", err)
	}
	return newVersion, nil
}

func (s *Store) EnqueueCommand(ctx context.Context, cmd *domain.Command) (string, error) {
	payload, err := json.Marshal(cmd.Payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	const query = `
		INSERT INTO command_queue (command_id, kiosk_id, command_type, payload, status,
		                           retry_count, max_retries, next_attempt_at, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, 'pending', 0, $4, $5, NOW())
		RETURNING command_id
	`

	var id string
	err = s.pool.QueryRow(ctx, query, cmd.KioskID, cmd.CommandType, payload, cmd.MaxRetries, cmd.NextAttemptAt).Scan(&id)
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
		WHERE kiosk_id = $1 AND status = 'pending' AND next_attempt_at <= $2
		ORDER BY created_at
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, kioskID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch pending commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

func (s *Store) ClaimCommand(ctx context.Context, commandID string, now time.Time) (*domain.Command, error) {
	const query = `
		UPDATE command_queue
		SET status = 'executing', executed_at = $1
		WHERE command_id = $2 AND status = 'pending'
		RETURNING command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
		          next_attempt_at, last_error, created_at, executed_at, completed_at
	`

	rows, err := s.pool.Query(ctx, query, now, commandID)
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if exists, _ := s.commandExists(ctx, commandID); !exists {
			return nil, storage.ErrNotFound
		}
		return nil, storage.ErrConflict
	}
	var cmd domain.Command
	if err := scanCommandRow(rows, &cmd); err != nil {
		return nil, fmt.Errorf("scan claimed command: %w", err)
	}
	return &cmd, nil
}

func (s *Store) commandExists(ctx context.Context, commandID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM command_queue WHERE command_id = $1)`, commandID).Scan(&exists)
	return exists, err
}

func (s *Store) CompleteCommand(ctx context.Context, commandID string, now time.Time) error {
	const query = `UPDATE command_queue SET status = 'completed', completed_at = $1 WHERE command_id = $2`
	ct, err := s.pool.Exec(ctx, query, now, commandID)
	if err != nil {
		return fmt.Errorf("complete command: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) FailCommand(ctx context.Context, commandID string, lastError string, nextAttemptAt time.Time, terminal bool) error {
	query := `
		UPDATE command_queue
		SET status = $1, last_error = $2, retry_count = retry_count + 1, next_attempt_at = $3
		WHERE command_id = $4
	`
	status := "pending"
	if terminal {
		status = "failed"
	}

	ct, err := s.pool.Exec(ctx, query, status, lastError, nextAttemptAt, commandID)
	if err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) CancelCommand(ctx context.Context, commandID string) error {
	const query = `
		UPDATE command_queue SET status = 'cancelled'
		WHERE command_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	_, err := s.pool.Exec(ctx, query, commandID)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	return nil
}

func (s *Store) ClearPendingCommands(ctx context.Context, kioskID string, _ time.Time) (int, error) {
	const query = `
		UPDATE command_queue SET status = 'cancelled'
		WHERE kiosk_id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	ct, err := s.pool.Exec(ctx, query, kioskID)
	if err != nil {
		return 0, fmt.Errorf("clear pending commands: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) FindStaleExecuting(ctx context.Context, olderThan time.Time) ([]*domain.Command, error) {
	const query = `
		SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
		       next_attempt_at, last_error, created_at, executed_at, completed_at
		FROM command_queue
		WHERE status = 'executing' AND executed_at <= $1
	`
	rows, err := s.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("find stale executing: %w", err)
	}
	defer rows.Close()
	return scanCommands(rows)
}

func (s *Store) DeleteTerminalCommandsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const query = `
		DELETE FROM command_queue
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < $1
	`
	ct, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal commands: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func scanCommands(rows pgx.Rows) ([]*domain.Command, error) {
	var out []*domain.Command
	for rows.Next() {
		var cmd domain.Command
		if err := scanCommandRow(rows, &cmd); err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		out = append(out, &cmd)
	}
	return out, rows.Err()
}

func scanCommandRow(rows pgx.Rows, cmd *domain.Command) error {
	var payload []byte
	if err := rows.Scan(
		&cmd.CommandID, &cmd.KioskID, &cmd.CommandType, &payload, &cmd.Status,
		&cmd.RetryCount, &cmd.MaxRetries, &cmd.NextAttemptAt, &cmd.LastError,
		&cmd.CreatedAt, &cmd.ExecutedAt, &cmd.CompletedAt,
	); err != nil {
		return err
	}
	if len(payload) > 0 {
		return json.Unmarshal(payload, &cmd.Payload)
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	err = s.pool.QueryRow(ctx, query,
		event.Timestamp, event.KioskID, event.LockerID, event.EventType,
		event.RFIDCard, event.DeviceID, event.StaffUser, details,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

func (s *Store) QueryEvents(ctx context.Context, kioskID string, since, until time.Time, limit int) ([]*domain.Event, error) {
	const query = `
		SELECT id, timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details
		FROM events
		WHERE ($1 = '' OR kiosk_id = $1)
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		  AND ($3::timestamptz IS NULL OR timestamp < $3)
		ORDER BY timestamp DESC
		LIMIT $4
	`

	var sincePtr, untilPtr *time.Time
	if !since.IsZero() {
		sincePtr = &since
	}
	if !until.IsZero() {
		untilPtr = &until
	}

	rows, err := s.pool.Query(ctx, query, kioskID, sincePtr, untilPtr, limit)
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

func (s *Store) DeleteEventsBefore(ctx context.Context, cutoff, auditCutoff time.Time) (int, error) {
	const query = `
		DELETE FROM events
		WHERE (event_type NOT IN ('locker_blocked', 'locker_unblocked', 'locker_forced', 'locker_renamed',
		                           'hardware_fault', 'rate_limit_blocked', 'rate_limit_reset')
		       AND timestamp < $1)
		   OR (event_type IN ('locker_blocked', 'locker_unblocked', 'locker_forced', 'locker_renamed',
		                       'hardware_fault', 'rate_limit_blocked', 'rate_limit_reset')
		       AND timestamp < $2)
	`
	ct, err := s.pool.Exec(ctx, query, cutoff, auditCutoff)
	if err != nil {
		return 0, fmt.Errorf("delete events before: %w", err)
	}
	return int(ct.RowsAffected()), nil
}

func (s *Store) EventsNeedingAnonymization(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Event, error) {
	const query = `
		SELECT id, timestamp, kiosk_id, locker_id, event_type, rfid_card, device_id, staff_user, details
		FROM events
		WHERE timestamp < $1
		  AND ((rfid_card <> '' AND rfid_card NOT LIKE 'anon\_%' ESCAPE '\')
		       OR (device_id <> '' AND device_id NOT LIKE 'anon\_%' ESCAPE '\'))
		ORDER BY id
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, cutoff, limit)
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
	const query = `UPDATE events SET rfid_card = $2, device_id = $3 WHERE id = $1`
	ct, err := s.pool.Exec(ctx, query, id, rfidCard, deviceID)
	if err != nil {
		return fmt.Errorf("set event anonymized fields: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UpsertHeartbeat(ctx context.Context, hb *domain.KioskHeartbeat) error {
	const query = `
		INSERT INTO kiosk_heartbeat (kiosk_id, zone, version, status, last_seen, hardware_id, config_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kiosk_id) DO UPDATE SET
			zone = EXCLUDED.zone, version = EXCLUDED.version, status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen, hardware_id = EXCLUDED.hardware_id,
			config_hash = EXCLUDED.config_hash
	`
	_, err := s.pool.Exec(ctx, query, hb.KioskID, hb.Zone, hb.Version, hb.Status, hb.LastSeen, hb.HardwareID, hb.ConfigHash)
	if err != nil {
		return fmt.Errorf("upsert heartbeat: %w", err)
	}
	return nil
}

func (s *Store) GetHeartbeat(ctx context.Context, kioskID string) (*domain.KioskHeartbeat, error) {
	const query = `
		SELECT kiosk_id, zone, version, status, last_seen, hardware_id, config_hash
		FROM kiosk_heartbeat WHERE kiosk_id = $1
	`
	var hb domain.KioskHeartbeat
	err := s.pool.QueryRow(ctx, query, kioskID).Scan(
		&hb.KioskID, &hb.Zone, &hb.Version, &hb.Status, &hb.LastSeen, &hb.HardwareID, &hb.ConfigHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
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
		FROM kiosk_heartbeat WHERE status <> 'offline' AND last_seen <= $1
	`
	rows, err := s.pool.Query(ctx, query, cutoff)
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
	const query = `SELECT id, ranges, relay_cards, enabled FROM zone_configs WHERE id = $1`
	var z domain.ZoneConfig
	var ranges, cards []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&z.ID, &ranges, &cards, &z.Enabled)
	if errors.Is(err, pgx.ErrNoRows) {
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
	rows, err := s.pool.Query(ctx, query)
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
		INSERT INTO zone_configs (id, ranges, relay_cards, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET ranges = EXCLUDED.ranges, relay_cards = EXCLUDED.relay_cards, enabled = EXCLUDED.enabled
	`
	_, err = s.pool.Exec(ctx, query, zone.ID, ranges, cards, zone.Enabled)
	if err != nil {
		return fmt.Errorf("put zone config: %w", err)
	}
	return nil
}

func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique-constraint violation (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ storage.Store = (*Store)(nil)
