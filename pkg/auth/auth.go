// Package auth provides the identity port consumed by the engine: token
// based authentication plus role and permission checks.
package auth

import (
	"context"
	"errors"

	"github.com/powerdaemonhq/powerdaemon/pkg/models"
)

// ErrInvalidCredentials is returned when authentication fails.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Identity is the contract the engine consumes. Implementations live behind
// this port; the engine never inspects credential material itself.
type Identity interface {
	// Authenticate verifies a username/password pair and returns tokens.
	Authenticate(ctx context.Context, username, password string) (*models.AuthResult, error)
	// HasPermission reports whether the user may perform action on resource.
	HasPermission(ctx context.Context, userID, resource, action string) (bool, error)
	// GetUserRoles returns the role names of a user, for diagnostic surfaces.
	GetUserRoles(ctx context.Context, userID string) ([]string, error)
}

// UserStore resolves users and verifies credentials.
type UserStore interface {
	// FindByUsername returns the user, or nil when unknown.
	FindByUsername(ctx context.Context, username string) (*models.User, error)
	// FindByID returns the user, or nil when unknown.
	FindByID(ctx context.Context, id string) (*models.User, error)
	// VerifyPassword reports whether password matches the stored credential.
	VerifyPassword(ctx context.Context, userID, password string) (bool, error)
}

// rolePermissions is the static role to permission table. Admin holds every
// permission; operator drives deployments and services; viewer only reads.
var rolePermissions = map[string][]string{
	models.RoleAdmin: {
		models.PermissionDeploymentCreate,
		models.PermissionDeploymentExecute,
		models.PermissionDeploymentView,
		models.PermissionServiceManage,
		models.PermissionServerManage,
		models.PermissionSystemManage,
	},
	models.RoleOperator: {
		models.PermissionDeploymentCreate,
		models.PermissionDeploymentExecute,
		models.PermissionDeploymentView,
		models.PermissionServiceManage,
	},
	models.RoleViewer: {
		models.PermissionDeploymentView,
	},
}

// PermissionsForRole returns the permissions granted by a role name.
func PermissionsForRole(role string) []string {
	return rolePermissions[role]
}

// RoleHasPermission reports whether any of the roles grants the permission.
func RoleHasPermission(roles []string, permission string) bool {
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if p == permission {
				return true
			}
		}
	}
	return false
}
