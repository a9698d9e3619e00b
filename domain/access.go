package domain

import "time"

// Permission is an atomic capability, named "<applet>.<action>".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Applet      string    `json:"applet"`
	Action      string    `json:"action"`
	Description string    `json:"description,omitempty"`
	ScopeType   string    `json:"scope_type,omitempty"`
	LastEventID string    `json:"last_event_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// PermissionImplication is a directed edge: holding PermissionID grants ImpliedPermissionID.
type PermissionImplication struct {
	PermissionID        string `json:"permission_id"`
	ImpliedPermissionID string `json:"implied_permission_id"`
}

// Role bundles permissions. A role without OrganizationID is a global system role.
type Role struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	ScopePath      ScopePath  `json:"scope_path,omitempty"`
	LastEventID    string     `json:"last_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the role is soft-deleted.
func (r *Role) IsDeleted() bool {
	return r != nil && r.DeletedAt != nil
}

// RolePermission grants a permission to a role; (RoleID, PermissionID) is the natural key.
type RolePermission struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	LastEventID  string    `json:"last_event_id"`
	GrantedAt    time.Time `json:"granted_at"`
}

// UserRole assigns a role to a principal at a scope; (UserID, RoleID, ScopePath) is the natural key.
type UserRole struct {
	UserID         string     `json:"user_id"`
	RoleID         string     `json:"role_id"`
	OrganizationID string     `json:"organization_id,omitempty"`
	ScopePath      ScopePath  `json:"scope_path,omitempty"`
	LastEventID    string     `json:"last_event_id"`
	AssignedAt     time.Time  `json:"assigned_at"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// EffectivePermission is one (permission, scope) pair a principal holds.
type EffectivePermission struct {
	Permission string    `json:"p"`
	Scope      ScopePath `json:"s"`
}
