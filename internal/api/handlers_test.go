package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockerctl/lockerctl/internal/api"
	"github.com/lockerctl/lockerctl/internal/broadcast"
	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/eventlog"
	"github.com/lockerctl/lockerctl/internal/heartbeat"
	"github.com/lockerctl/lockerctl/internal/lockerstate"
	"github.com/lockerctl/lockerctl/internal/queue"
	"github.com/lockerctl/lockerctl/internal/ratelimit"
	"github.com/lockerctl/lockerctl/internal/storage/memory"
)

type fakeQueue struct{}

func (q *fakeQueue) ClearPending(_ context.Context, _ string) (int, error)    { return 0, nil }
func (q *fakeQueue) RecoverStaleExecuting(_ context.Context) (int, error) { return 0, nil }

type staticConfig struct{}

func (staticConfig) PollInterval() time.Duration      { return 2 * time.Second }
func (staticConfig) HeartbeatInterval() time.Duration { return 10 * time.Second }

func newTestHandler(t *testing.T) (*api.Handler, *memory.Store) {
	t.Helper()
	store := memory.New()
	events := eventlog.New(store, eventlog.DefaultConfig(), nil)
	lockers := lockerstate.New(store, events, broadcast.New(nil), lockerstate.DefaultConfig(), nil)
	q := queue.New(store, queue.DefaultConfig(), nil)
	hb := heartbeat.New(store, events, &fakeQueue{}, heartbeat.DefaultConfig(), nil)
	limiter := ratelimit.New(ratelimit.DefaultConfig(), events, nil)
	bus := broadcast.New(nil)

	h := api.NewHandler(lockers, q, hb, limiter, events, bus, staticConfig{}, nil)
	return h, store
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestAssignLocker_Success(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree}))

	router := api.NewRouter(h, nil, nil)
	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/lockers/L1/assign", map[string]string{
		"owner_type": "rfid",
		"owner_key":  "card-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var locker domain.Locker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locker))
	require.Equal(t, domain.LockerReserved, locker.Status)
}

func TestAssignLocker_ValidationError(t *testing.T) {
	h, _ := newTestHandler(t)
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/lockers/L1/assign", map[string]string{
		"owner_type": "not-a-real-type",
		"owner_key":  "card-1",
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignLocker_ConflictOnAlreadyOwned(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{
		KioskID: "k1", LockerID: "L1", Status: domain.LockerOwned, OwnerType: domain.OwnerRFID, OwnerKey: "card-1",
	}))
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/lockers/L1/assign", map[string]string{
		"owner_type": "rfid",
		"owner_key":  "card-2",
	})

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestBlockLocker_RequiresStaffUser(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree}))
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/lockers/L1/block", map[string]string{"reason": "broken"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRenameLocker_Success(t *testing.T) {
	h, store := newTestHandler(t)
	require.NoError(t, store.UpsertLocker(context.Background(), &domain.Locker{KioskID: "k1", LockerID: "L1", Status: domain.LockerFree}))
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/lockers/L1/rename", map[string]string{
		"staff_user":   "staff-1",
		"display_name": "Locker A-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var locker domain.Locker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &locker))
	require.Equal(t, "Locker A-1", locker.DisplayName)
}

func TestHeartbeat_ReturnsIntervals(t *testing.T) {
	h, _ := newTestHandler(t)
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodPost, "/api/v1/kiosks/k1/heartbeat", map[string]string{
		"version":     "v1",
		"config_hash": "hash-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		PollIntervalSeconds      int `json:"poll_interval_seconds"`
		HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.PollIntervalSeconds)
	require.Equal(t, 10, resp.HeartbeatIntervalSeconds)
}

func TestPollCommands_ReturnsPendingCommands(t *testing.T) {
	h, _ := newTestHandler(t)
	_, err := h.Queue.Enqueue(context.Background(), "k1", domain.CommandOpenLocker, nil, 3)
	require.NoError(t, err)

	router := api.NewRouter(h, nil, nil)
	rec := doRequest(t, router, http.MethodGet, "/api/v1/kiosks/k1/commands", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var cmds []domain.Command
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cmds))
	require.Len(t, cmds, 1)
}

func TestAckCommand_CompletesSuccessfully(t *testing.T) {
	h, _ := newTestHandler(t)
	id, err := h.Queue.Enqueue(context.Background(), "k1", domain.CommandOpenLocker, nil, 3)
	require.NoError(t, err)
	_, err = h.Queue.Claim(context.Background(), id)
	require.NoError(t, err)

	router := api.NewRouter(h, nil, nil)
	rec := doRequest(t, router, http.MethodPost, "/api/v1/commands/"+id+"/ack", map[string]string{"outcome": "success"})

	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t)
	router := api.NewRouter(h, nil, nil)

	rec := doRequest(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
