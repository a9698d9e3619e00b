package domain

import (
	"encoding/json"
	"time"
)

// Bootstrap status values tracked on the organization projection.
const (
	BootstrapPending   = "pending"
	BootstrapFailed    = "failed"
	BootstrapCompleted = "completed"
)

// Organization is the read model of an organization stream.
type Organization struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Slug       string    `json:"slug"`
	Type       string    `json:"type,omitempty"`
	Path       ScopePath `json:"path"`
	ParentPath ScopePath `json:"parent_path,omitempty"`

	Subdomain           string     `json:"subdomain,omitempty"`
	SubdomainRecordID   string     `json:"subdomain_record_id,omitempty"`
	SubdomainVerifiedAt *time.Time `json:"subdomain_verified_at,omitempty"`

	IsActive        bool            `json:"is_active"`
	BootstrapStatus string          `json:"bootstrap_status"`
	BootstrapError  string          `json:"bootstrap_error,omitempty"`
	BootstrapParams json.RawMessage `json:"bootstrap_params,omitempty"`

	LastEventID string     `json:"last_event_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the organization is soft-deleted.
func (o *Organization) IsDeleted() bool {
	return o != nil && o.DeletedAt != nil
}

// IsFullyActive reports an organization with nothing left to bootstrap.
func (o *Organization) IsFullyActive() bool {
	return o != nil && !o.IsDeleted() && o.IsActive && o.BootstrapStatus == BootstrapCompleted
}

// HasSubdomainRecord reports whether a DNS record is currently configured.
func (o *Organization) HasSubdomainRecord() bool {
	return o != nil && o.SubdomainRecordID != ""
}

// OrganizationUnit is a sub-division of an organization, addressed by path.
type OrganizationUnit struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Name           string     `json:"name"`
	Path           ScopePath  `json:"path"`
	LastEventID    string     `json:"last_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}
