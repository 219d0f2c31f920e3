// Package api exposes the control plane's HTTP and WebSocket surface: a
// chi router wiring request validation, per-dimension rate limiting, and
// lockerr-category-aware error responses onto the core domain components.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/lockerctl/lockerctl/internal/broadcast"
	"github.com/lockerctl/lockerctl/internal/domain"
	"github.com/lockerctl/lockerctl/internal/eventlog"
	"github.com/lockerctl/lockerctl/internal/heartbeat"
	"github.com/lockerctl/lockerctl/internal/lockerstate"
	"github.com/lockerctl/lockerctl/internal/queue"
	"github.com/lockerctl/lockerctl/internal/ratelimit"
)

// ConfigProvider supplies the poll/heartbeat intervals a kiosk is told to
// use, sourced from the currently active, hot-reloadable configuration.
type ConfigProvider interface {
	PollInterval() time.Duration
	HeartbeatInterval() time.Duration
}

// Handler wires the core domain components to HTTP. All fields are
// required except Validate, which defaults to a fresh validator.
type Handler struct {
	Lockers   *lockerstate.Machine
	Queue     *queue.Queue
	Heartbeat *heartbeat.Manager
	Limiter   *ratelimit.Limiter
	Events    *eventlog.Log
	Bus       *broadcast.Bus
	Config    ConfigProvider
	Validate  *validator.Validate
	Logger    *slog.Logger
}

// NewHandler constructs a Handler, following the same validator.New()
// construction pattern used throughout this codebase's request handlers.
func NewHandler(lockers *lockerstate.Machine, q *queue.Queue, hb *heartbeat.Manager, limiter *ratelimit.Limiter, events *eventlog.Log, bus *broadcast.Bus, cfg ConfigProvider, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Lockers:   lockers,
		Queue:     q,
		Heartbeat: hb,
		Limiter:   limiter,
		Events:    events,
		Bus:       bus,
		Config:    cfg,
		Validate:  validator.New(),
		Logger:    logger.With("component", "api"),
	}
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// rateLimited checks dim/subject and, if exceeded, writes a 429 with
// Retry-After and returns false. Callers must stop processing on false.
func (h *Handler) rateLimited(w http.ResponseWriter, dim ratelimit.Dimension, subject string) bool {
	result := h.Limiter.Check(dim, subject)
	if result.Allowed {
		return false
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "throttled", Message: "too many requests"})
	return true
}

// assignRequest is the body for POST .../assign.
type assignRequest struct {
	OwnerType domain.OwnerType `json:"owner_type" validate:"required,oneof=rfid qr_device"`
	OwnerKey  string           `json:"owner_key" validate:"required"`
}

// AssignLocker handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/assign.
func (h *Handler) AssignLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	if h.rateLimited(w, ratelimit.DimensionIP, clientIP(r)) {
		return
	}

	var req assignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}
	if h.rateLimited(w, ratelimit.DimensionRFIDCard, req.OwnerKey) {
		return
	}

	locker, err := h.Lockers.Assign(r.Context(), kioskID, lockerID, req.OwnerType, req.OwnerKey)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// releaseRequest is the body for POST .../release. OwnerKey is optional
// when StaffUser is present (staff override bypasses the owner check).
type releaseRequest struct {
	OwnerKey  string `json:"owner_key,omitempty"`
	StaffUser string `json:"staff_user,omitempty"`
}

// ReleaseLocker handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/release.
func (h *Handler) ReleaseLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	if h.rateLimited(w, ratelimit.DimensionIP, clientIP(r)) {
		return
	}

	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}

	locker, err := h.Lockers.Release(r.Context(), kioskID, lockerID, req.OwnerKey, req.StaffUser)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// staffRequest is the body shared by block/unblock/force-transition.
type staffRequest struct {
	StaffUser string            `json:"staff_user" validate:"required"`
	Reason    string            `json:"reason,omitempty"`
	Status    domain.LockerStatus `json:"status,omitempty"`
}

// BlockLocker handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/block.
func (h *Handler) BlockLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	var req staffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	locker, err := h.Lockers.Block(r.Context(), kioskID, lockerID, req.StaffUser, req.Reason)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// UnblockLocker handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/unblock.
func (h *Handler) UnblockLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	var req staffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	locker, err := h.Lockers.Unblock(r.Context(), kioskID, lockerID, req.StaffUser)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// ForceTransition handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/force.
func (h *Handler) ForceTransition(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	var req staffRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	locker, err := h.Lockers.ForceTransition(r.Context(), kioskID, lockerID, req.Status, req.StaffUser, req.Reason)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// renameRequest is the body for POST .../rename.
type renameRequest struct {
	StaffUser   string `json:"staff_user" validate:"required"`
	DisplayName string `json:"display_name" validate:"max=64"`
}

// RenameLocker handles POST /api/v1/kiosks/{kioskID}/lockers/{lockerID}/rename.
func (h *Handler) RenameLocker(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")
	lockerID := chi.URLParam(r, "lockerID")

	var req renameRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	locker, err := h.Lockers.SetDisplayName(r.Context(), kioskID, lockerID, req.StaffUser, req.DisplayName)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Bus.Publish(*locker)
	writeJSON(w, http.StatusOK, locker)
}

// heartbeatRequest is the body for POST .../heartbeat.
type heartbeatRequest struct {
	Zone       string `json:"zone,omitempty"`
	Version    string `json:"version" validate:"required"`
	HardwareID string `json:"hardware_id,omitempty"`
	ConfigHash string `json:"config_hash" validate:"required"`
}

type heartbeatResponse struct {
	PollIntervalSeconds      int `json:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

// Heartbeat handles POST /api/v1/kiosks/{kioskID}/heartbeat.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	if err := h.Heartbeat.Beat(r.Context(), kioskID, req.Zone, req.Version, req.HardwareID, req.ConfigHash); err != nil {
		writeError(w, h.Logger, err)
		return
	}

	writeJSON(w, http.StatusOK, heartbeatResponse{
		PollIntervalSeconds:      int(h.Config.PollInterval().Seconds()),
		HeartbeatIntervalSeconds: int(h.Config.HeartbeatInterval().Seconds()),
	})
}

// PollCommands handles GET /api/v1/kiosks/{kioskID}/commands?limit=.
func (h *Handler) PollCommands(w http.ResponseWriter, r *http.Request) {
	kioskID := chi.URLParam(r, "kioskID")

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	cmds, err := h.Queue.FetchPending(r.Context(), kioskID, limit)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, cmds)
}

// ackRequest is the body for POST /api/v1/commands/{commandID}/ack.
type ackRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=success failure"`
	Error   string `json:"error,omitempty"`
}

// AckCommand handles POST /api/v1/commands/{commandID}/ack. The claim
// primitive runs first so a duplicate ack for an already-finalized command
// surfaces as a Conflict rather than silently double-completing it.
func (h *Handler) AckCommand(w http.ResponseWriter, r *http.Request) {
	commandID := chi.URLParam(r, "commandID")

	var req ackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: "malformed request body"})
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "validation", Message: err.Error()})
		return
	}

	cmd, err := h.Queue.Claim(r.Context(), commandID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	if req.Outcome == "success" {
		err = h.Queue.Complete(r.Context(), commandID)
	} else {
		err = h.Queue.Fail(r.Context(), cmd, req.Error)
	}
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
