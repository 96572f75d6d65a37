package middleware

import (
	"context"
	"net/http"

	"github.com/powerdaemonhq/powerdaemon/pkg/auth"
	"github.com/powerdaemonhq/powerdaemon/pkg/logger"
)

// ContextKey is a custom type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for the user ID.
	UserIDKey ContextKey = "user_id"
	// UsernameKey is the context key for the username.
	UsernameKey ContextKey = "username"
	// RolesKey is the context key for the user roles.
	RolesKey ContextKey = "roles"
)

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	Verifier *auth.Service
	DevMode  bool
}

// Auth returns a middleware that validates bearer tokens.
func Auth(cfg AuthConfig, log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if cfg.DevMode {
				ctx = context.WithValue(ctx, UserIDKey, "dev-user")
				ctx = context.WithValue(ctx, UsernameKey, "dev")
				ctx = context.WithValue(ctx, RolesKey, []string{"admin"})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			token, err := auth.ParseBearer(authHeader)
			if err != nil {
				http.Error(w, `{"error": "invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			claims, err := cfg.Verifier.Verify(token)
			if err != nil {
				log.Warn("token verification failed", "error", err)
				http.Error(w, `{"error": "invalid or expired token"}`, http.StatusUnauthorized)
				return
			}

			ctx = context.WithValue(ctx, UserIDKey, claims.Subject)
			ctx = context.WithValue(ctx, UsernameKey, claims.Username)
			ctx = context.WithValue(ctx, RolesKey, claims.Roles)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUserID returns the authenticated user id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetRoles returns the authenticated user's roles from context.
func GetRoles(ctx context.Context) []string {
	if v, ok := ctx.Value(RolesKey).([]string); ok {
		return v
	}
	return nil
}
