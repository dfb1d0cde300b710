package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mknutsen/quill/internal/fault"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// writeError maps the error taxonomy onto HTTP statuses. Internal errors
// are logged and masked; everything else surfaces its message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var status int
	switch fault.KindOf(err) {
	case fault.MalformedInput:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.PermissionDenied:
		status = http.StatusForbidden
	case fault.Conflict:
		status = http.StatusConflict
	case fault.InvalidCredentials:
		status = http.StatusUnauthorized
	default:
		logger.Error("internal error", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
