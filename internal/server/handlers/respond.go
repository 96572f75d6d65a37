// Package handlers provides HTTP request handlers.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/powerdaemonhq/powerdaemon/internal/errdefs"
)

// errorResponse is the JSON error envelope.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// writeError maps engine error kinds onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"

	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, errdefs.ErrInvalidState):
		status, kind = http.StatusConflict, "invalid_state"
	case errors.Is(err, errdefs.ErrInvalidConfiguration):
		status, kind = http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, errdefs.ErrPermissionDenied):
		status, kind = http.StatusForbidden, "permission_denied"
	case errors.Is(err, errdefs.ErrLeaseUnavailable):
		status, kind = http.StatusConflict, "lease_unavailable"
	case errors.Is(err, errdefs.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, errdefs.ErrDependencyUnavailable):
		status, kind = http.StatusServiceUnavailable, "dependency_unavailable"
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind})
}

// decodeBody parses a JSON request body.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
