package handlers

import (
	"net/http"

	"github.com/powerdaemonhq/powerdaemon/internal/server/middleware"
	"github.com/powerdaemonhq/powerdaemon/pkg/auth"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// AuthHandler handles authentication requests.
type AuthHandler struct {
	identity auth.Identity
	log      *logger.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(identity auth.Identity, log *logger.Logger) *AuthHandler {
	return &AuthHandler{
		identity: identity,
		log:      log.WithComponent("auth-handler"),
	}
}

// Login authenticates a username/password pair and returns tokens.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil || body.Username == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username and password are required"})
		return
	}

	result, err := h.identity.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		h.log.Error("authentication error", "username", body.Username, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "authentication failed"})
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: result.Error})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Roles returns the authenticated user's roles, for diagnostics.
func (h *AuthHandler) Roles(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	roles, err := h.identity.GetUserRoles(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId": userID,
		"roles":  roles,
	})
}
