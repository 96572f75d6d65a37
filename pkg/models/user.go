package models

import (
	"time"
)

// User represents an operator account consumed by the identity port.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email,omitempty"`
	Roles     []string  `json:"roles"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Role names recognized by the permission table.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Permission names checked by the engine.
const (
	PermissionDeploymentCreate  = "deployment.create"
	PermissionDeploymentExecute = "deployment.execute"
	PermissionDeploymentView    = "deployment.view"
	PermissionServiceManage     = "service.manage"
	PermissionServerManage      = "server.manage"
	PermissionSystemManage      = "system.manage"
)

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	Success      bool   `json:"success"`
	User         *User  `json:"user,omitempty"`
	Error        string `json:"error,omitempty"`
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
}
