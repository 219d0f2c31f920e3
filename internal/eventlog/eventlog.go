// Package eventlog is the append-only audit/telemetry log: schema-validated
// writes, redaction of sensitive fields at write time, and a retention task
// that anonymizes then deletes aged rows.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// ErrSchemaViolation is wrapped into a Validation-category error when a
// write's details fail the registered schema for its event type.
var ErrSchemaViolation = errors.New("eventlog: schema violation")

// fieldSpec describes one required or optional field in an event type's schema.
type fieldSpec struct {
	name     string
	required bool
	kind     string // "string", "number", "bool"
}

// schemas maps each event type to its registered field requirements.
// Unlisted event types accept any details (no schema registered).
var schemas = map[domain.EventType][]fieldSpec{
	domain.EventLockerBlocked:   {{name: "reason", required: false, kind: "string"}},
	domain.EventLockerUnblocked: {},
	domain.EventLockerForced:    {{name: "reason", required: false, kind: "string"}},
	domain.EventLockerRenamed:   {{name: "reason", required: false, kind: "string"}},
	domain.EventHardwareFault:   {{name: "detail", required: false, kind: "string"}},
	domain.EventRFIDRelease:     {{name: "release_method", required: true, kind: "string"}},
	domain.EventKioskOffline:    {{name: "offline_duration_ms", required: true, kind: "number"}},
	domain.EventSystemRestarted: {{name: "cleared_commands", required: true, kind: "number"}},
	domain.EventRateLimitReset:  {{name: "dimension", required: true, kind: "string"}, {name: "subject", required: true, kind: "string"}},
}

const maxUserAgentLength = 100

// Config narrows the event log's retention tunables.
type Config struct {
	EventRetention     time.Duration
	AuditRetention     time.Duration
	AnonymizeBefore    time.Duration
	IPHashSalt         string
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		EventRetention:  30 * 24 * time.Hour,
		AuditRetention:  90 * 24 * time.Hour,
		AnonymizeBefore: 30 * 24 * time.Hour,
	}
}

// Log is the event log.
type Log struct {
	store  storage.Store
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

// New constructs a Log.
func New(store storage.Store, cfg Config, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, cfg: cfg, now: time.Now, logger: logger.With("component", "eventlog")}
}

// WithClock overrides the time source, for deterministic tests.
func (l *Log) WithClock(now func() time.Time) *Log {
	l.now = now
	return l
}

// Append validates, redacts, and persists event. Staff-operation event
// types require a non-empty StaffUser.
func (l *Log) Append(ctx context.Context, event *domain.Event) (int64, error) {
	if event.EventType.IsStaffOperation() && event.StaffUser == "" {
		return 0, lockerr.Wrap(lockerr.Validation, fmt.Errorf("%w: event type %s requires a staff_user", ErrSchemaViolation, event.EventType))
	}

	if err := validateSchema(event); err != nil {
		return 0, lockerr.Wrap(lockerr.Validation, err)
	}

	redact(event, l.cfg.IPHashSalt)

	if event.Timestamp.IsZero() {
		event.Timestamp = l.now()
	}

	id, err := l.store.AppendEvent(ctx, event)
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}
	return id, nil
}

// AppendEvent satisfies the EventSink interfaces declared by
// internal/lockerstate, internal/heartbeat, and internal/ratelimit, all of
// which write through the same schema-validated, redacting log.
func (l *Log) AppendEvent(ctx context.Context, event *domain.Event) (int64, error) {
	return l.Append(ctx, event)
}

func validateSchema(event *domain.Event) error {
	spec, registered := schemas[event.EventType]
	if !registered {
		return nil
	}
	for _, f := range spec {
		val, present := event.Details[f.name]
		if !present {
			if f.required {
				return fmt.Errorf("%w: missing required field %q for event type %s", ErrSchemaViolation, f.name, event.EventType)
			}
			continue
		}
		if !matchesKind(val, f.kind) {
			return fmt.Errorf("%w: field %q has wrong type for event type %s", ErrSchemaViolation, f.name, event.EventType)
		}
	}
	return nil
}

func matchesKind(val interface{}, kind string) bool {
	switch kind {
	case "string":
		return reflect.ValueOf(val).Kind() == reflect.String
	case "number":
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "bool":
		_, ok := val.(bool)
		return ok
	default:
		return true
	}
}

// redact hashes raw IP addresses, truncates long user-agent strings, and
// hashes device IDs when a device_hash field is already present in details.
func redact(event *domain.Event, salt string) {
	if ip, ok := event.Details["ip_address"].(string); ok && ip != "" {
		event.Details["ip_address"] = hashValue(salt, ip)
	}
	if ua, ok := event.Details["user_agent"].(string); ok && len(ua) > maxUserAgentLength {
		event.Details["user_agent"] = ua[:maxUserAgentLength] + "..."
	}
	if _, hasHash := event.Details["device_hash"]; hasHash && event.DeviceID != "" {
		event.DeviceID = hashValue(salt, event.DeviceID)
	}
}

const anonPrefix = "anon_"

func hashValue(salt, value string) string {
	h := sha256.Sum256([]byte(salt + value))
	return anonPrefix + hex.EncodeToString(h[:])[:16]
}

// isAnonymized reports whether value is already a salted-hash placeholder,
// so re-anonymizing it is a no-op: anonymize(anonymize(x)) = anonymize(x).
func isAnonymized(value string) bool {
	return strings.HasPrefix(value, anonPrefix)
}

// anonymizePageSize bounds how many rows RunRetention rewrites per call.
const anonymizePageSize = 500

// Query returns events for kioskID (empty matches all) in [since, until),
// newest first, capped at limit.
func (l *Log) Query(ctx context.Context, kioskID string, since, until time.Time, limit int) ([]*domain.Event, error) {
	events, err := l.store.QueryEvents(ctx, kioskID, since, until, limit)
	if err != nil {
		return nil, lockerr.Wrap(lockerr.Transient, err)
	}
	return events, nil
}

// RunRetention anonymizes rows older than AnonymizeBefore, then deletes
// non-audit rows older than EventRetention and audit rows older than
// AuditRetention. Intended to run on a daily ticker via internal/taskloop.
func (l *Log) RunRetention(ctx context.Context) (anonymized, deleted int, err error) {
	now := l.now()

	anonymized, err = l.anonymizeBefore(ctx, now.Add(-l.cfg.AnonymizeBefore))
	if err != nil {
		return 0, 0, err
	}

	deleted, err = l.store.DeleteEventsBefore(ctx, now.Add(-l.cfg.EventRetention), now.Add(-l.cfg.AuditRetention))
	if err != nil {
		return anonymized, 0, lockerr.Wrap(lockerr.Transient, err)
	}

	return anonymized, deleted, nil
}

// anonymizeBefore replaces rfid_card and device_id on rows older than cutoff
// with salted SHA-256 prefixes, skipping fields already in that form so the
// pass is idempotent. ip_address is already hashed at write time by redact,
// so it needs no further treatment here.
func (l *Log) anonymizeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := l.store.EventsNeedingAnonymization(ctx, cutoff, anonymizePageSize)
	if err != nil {
		return 0, lockerr.Wrap(lockerr.Transient, err)
	}

	anonymized := 0
	for _, e := range rows {
		rfid, device := e.RFIDCard, e.DeviceID
		if rfid != "" && !isAnonymized(rfid) {
			rfid = hashValue(l.cfg.IPHashSalt, rfid)
		}
		if device != "" && !isAnonymized(device) {
			device = hashValue(l.cfg.IPHashSalt, device)
		}
		if rfid == e.RFIDCard && device == e.DeviceID {
			continue
		}
		if err := l.store.SetEventAnonymizedFields(ctx, e.ID, rfid, device); err != nil {
			l.logger.Error("failed to anonymize event", "event_id", e.ID, "error", err)
			continue
		}
		anonymized++
	}
	return anonymized, nil
}
