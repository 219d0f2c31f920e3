package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/lockerctl/lockerctl/internal/lockerr"
	"github.com/lockerctl/lockerctl/internal/storage"
)

// errorBody is the JSON shape every non-2xx response carries.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// writeError maps a lockerr-categorized error (or a raw storage error) onto
// an HTTP status and a safe, user-facing message. Fatal and Unknown
// categories never leak the underlying error text.
func writeError(w http.ResponseWriter, logger interface{ Error(string, ...any) }, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: "resource not found"})
		return
	}

	cat := lockerr.Categorize(err)
	status := http.StatusInternalServerError
	switch cat {
	case lockerr.Conflict:
		status = http.StatusConflict
	case lockerr.Validation:
		status = http.StatusBadRequest
	case lockerr.Throttled:
		status = http.StatusTooManyRequests
	case lockerr.Transient:
		status = http.StatusServiceUnavailable
	case lockerr.Fatal, lockerr.Unknown:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err, "category", cat.String())
	}

	writeJSON(w, status, errorBody{Error: cat.String(), Message: cat.UserMessage()})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
