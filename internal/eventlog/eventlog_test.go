package eventlog_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/eventlog"
	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage/memory"
)

func TestAppend_RejectsStaffOperationWithoutStaffUser(t *testing.T) {
	log := eventlog.New(memory.New(), eventlog.DefaultConfig(), nil)

	_, err := log.Append(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventLockerBlocked,
	})
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestAppend_RejectsSchemaViolation(t *testing.T) {
	log := eventlog.New(memory.New(), eventlog.DefaultConfig(), nil)

	_, err := log.Append(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventRFIDRelease,
		Details:   map[string]interface{}{},
	})
	require.Error(t, err)
	require.Equal(t, lockerr.Validation, lockerr.Categorize(err))
}

func TestAppend_RejectsWrongFieldType(t *testing.T) {
	log := eventlog.New(memory.New(), eventlog.DefaultConfig(), nil)

	_, err := log.Append(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventKioskOffline,
		Details:   map[string]interface{}{"offline_duration_ms": "not-a-number"},
	})
	require.Error(t, err)
}

func TestAppend_SucceedsAndStampsTimestamp(t *testing.T) {
	log := eventlog.New(memory.New(), eventlog.DefaultConfig(), nil)

	id, err := log.Append(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventKioskOnline,
	})
	require.NoError(t, err)
	require.NotZero(t, id)

	events, err := log.Query(context.Background(), "k1", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestAppend_RedactsIPAndTruncatesUserAgent(t *testing.T) {
	log := eventlog.New(memory.New(), eventlog.DefaultConfig(), nil)

	longUA := ""
	for i := 0; i < 150; i++ {
		longUA += "a"
	}

	_, err := log.Append(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventKioskOnline,
		Details: map[string]interface{}{
			"ip_address": "203.0.113.5",
			"user_agent": longUA,
		},
	})
	require.NoError(t, err)

	events, err := log.Query(context.Background(), "k1", time.Time{}, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ip, _ := events[0].Details["ip_address"].(string)
	require.NotEqual(t, "203.0.113.5", ip)
	require.Contains(t, ip, "anon_")

	ua, _ := events[0].Details["user_agent"].(string)
	require.LessOrEqual(t, len(ua), maxRedactedUALen)
}

const maxRedactedUALen = 103

func TestRunRetention_AnonymizesThenDeletes(t *testing.T) {
	store := memory.New()
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	log := eventlog.New(store, eventlog.DefaultConfig(), nil).WithClock(func() time.Time { return fixed })

	old := fixed.Add(-40 * 24 * time.Hour)
	_, err := store.AppendEvent(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventKioskOnline,
		Timestamp: old,
		RFIDCard:  "card-1",
	})
	require.NoError(t, err)

	anonymized, deleted, err := log.RunRetention(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, anonymized)
	require.Equal(t, 1, deleted)
}

func TestRunRetention_AnonymizationIsIdempotent(t *testing.T) {
	store := memory.New()
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	cfg := eventlog.DefaultConfig()
	cfg.AuditRetention = 365 * 24 * time.Hour
	cfg.EventRetention = 365 * 24 * time.Hour
	log := eventlog.New(store, cfg, nil).WithClock(func() time.Time { return fixed })

	old := fixed.Add(-40 * 24 * time.Hour)
	id, err := store.AppendEvent(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventKioskOnline,
		Timestamp: old,
		RFIDCard:  "card-1",
		DeviceID:  "device-1",
	})
	require.NoError(t, err)

	anonymized, _, err := log.RunRetention(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, anonymized)

	events, err := store.QueryEvents(context.Background(), "k1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	var first *domain.Event
	for _, e := range events {
		if e.ID == id {
			first = e
		}
	}
	require.NotNil(t, first)
	require.True(t, strings.HasPrefix(first.RFIDCard, "anon_"))
	require.True(t, strings.HasPrefix(first.DeviceID, "anon_"))

	anonymizedAgain, _, err := log.RunRetention(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, anonymizedAgain, "re-anonymizing must be a no-op")

	events, err = store.QueryEvents(context.Background(), "k1", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	for _, e := range events {
		if e.ID == id {
			require.Equal(t, first.RFIDCard, e.RFIDCard)
			require.Equal(t, first.DeviceID, e.DeviceID)
		}
	}
}

func TestRunRetention_AuditEventsSurviveLongerThanRoutine(t *testing.T) {
	store := memory.New()
	fixed := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	log := eventlog.New(store, eventlog.DefaultConfig(), nil).WithClock(func() time.Time { return fixed })

	past := fixed.Add(-45 * 24 * time.Hour)
	_, err := store.AppendEvent(context.Background(), &domain.Event{
		KioskID:   "k1",
		EventType: domain.EventHardwareFault,
		Timestamp: past,
	})
	require.NoError(t, err)

	_, deleted, err := log.RunRetention(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, deleted, "audit event at 45 days must survive the 30-day routine cutoff")
}
