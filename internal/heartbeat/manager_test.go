package heartbeat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/heartbeat"
	"github.com/lockerctl/lockerctl/internal/storage/memory"
)

type fakeSink struct{ events []*domain.Event }

func (f *fakeSink) AppendEvent(_ context.Context, e *domain.Event) (int64, error) {
	f.events = append(f.events, e)
	return int64(len(f.events)), nil
}

type fakeQueue struct {
	cleared   int
	recovered int
}

func (q *fakeQueue) ClearPending(_ context.Context, _ string) (int, error) {
	return q.cleared, nil
}

func (q *fakeQueue) RecoverStaleExecuting(_ context.Context) (int, error) {
	return q.recovered, nil
}

func TestBeat_FirstEverHeartbeatIsNotARestart(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{}
	m := heartbeat.New(store, sink, queue, heartbeat.DefaultConfig(), nil)

	require.NoError(t, m.Beat(context.Background(), "k1", "zone-a", "v1", "hw-1", "hash-1"))
	require.Empty(t, sink.events)

	hb, err := store.GetHeartbeat(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, domain.KioskOnline, hb.Status)
}

func TestBeat_FlipsOfflineToOnline(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := heartbeat.New(store, sink, queue, heartbeat.DefaultConfig(), nil).WithClock(func() time.Time { return fixed })

	require.NoError(t, store.UpsertHeartbeat(context.Background(), &domain.KioskHeartbeat{
		KioskID: "k1", Status: domain.KioskOffline, Version: "v1", HardwareID: "hw-1", LastSeen: fixed.Add(-time.Hour),
	}))

	require.NoError(t, m.Beat(context.Background(), "k1", "zone-a", "v1", "hw-1", "hash-1"))

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventKioskOnline, sink.events[0].EventType)
}

func TestBeat_DetectsRestartViaIncarnationChange(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{cleared: 3}
	m := heartbeat.New(store, sink, queue, heartbeat.DefaultConfig(), nil)

	require.NoError(t, m.Beat(context.Background(), "k1", "zone-a", "v1", "hw-1", "hash-1"))
	require.NoError(t, m.Beat(context.Background(), "k1", "zone-a", "v2", "hw-1", "hash-1"))

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventSystemRestarted, sink.events[0].EventType)
	require.Equal(t, 3, sink.events[0].Details["cleared_commands"])
}

func TestBeat_RestartAndOnlineTransitionTogetherOrdersClearBeforeOnline(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{cleared: 2}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := heartbeat.New(store, sink, queue, heartbeat.DefaultConfig(), nil).WithClock(func() time.Time { return fixed })

	require.NoError(t, store.UpsertHeartbeat(context.Background(), &domain.KioskHeartbeat{
		KioskID: "k2", Status: domain.KioskOffline, Version: "v1", HardwareID: "hw-1", LastSeen: fixed.Add(-time.Hour),
	}))

	require.NoError(t, m.Beat(context.Background(), "k2", "zone-a", "v2", "hw-1", "hash-1"))

	require.Len(t, sink.events, 2)
	require.Equal(t, domain.EventSystemRestarted, sink.events[0].EventType)
	require.Equal(t, domain.EventKioskOnline, sink.events[1].EventType)
}

func TestCleanup_TransitionsStaleKiosksOffline(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{recovered: 2}
	cfg := heartbeat.DefaultConfig()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := heartbeat.New(store, sink, queue, cfg, nil).WithClock(func() time.Time { return fixed })

	require.NoError(t, store.UpsertHeartbeat(context.Background(), &domain.KioskHeartbeat{
		KioskID: "k1", Status: domain.KioskOnline, LastSeen: fixed.Add(-cfg.OfflineThreshold - time.Second),
	}))

	require.NoError(t, m.Cleanup(context.Background()))

	hb, err := store.GetHeartbeat(context.Background(), "k1")
	require.NoError(t, err)
	require.Equal(t, domain.KioskOffline, hb.Status)

	require.Len(t, sink.events, 1)
	require.Equal(t, domain.EventKioskOffline, sink.events[0].EventType)
}

func TestCleanup_IgnoresFreshHeartbeats(t *testing.T) {
	store := memory.New()
	sink := &fakeSink{}
	queue := &fakeQueue{}
	cfg := heartbeat.DefaultConfig()
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := heartbeat.New(store, sink, queue, cfg, nil).WithClock(func() time.Time { return fixed })

	require.NoError(t, store.UpsertHeartbeat(context.Background(), &domain.KioskHeartbeat{
		KioskID: "k1", Status: domain.KioskOnline, LastSeen: fixed.Add(-time.Second),
	}))

	require.NoError(t, m.Cleanup(context.Background()))
	require.Empty(t, sink.events)
}
