package domain

import "time"

// Contact is a person attached to an organization. (OrganizationID, Label) is the natural key.
type Contact struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Label          string     `json:"label"`
	Type           string     `json:"type,omitempty"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	Email          string     `json:"email"`
	Title          string     `json:"title,omitempty"`
	LastEventID    string     `json:"last_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Address is a postal address attached to an organization. (OrganizationID, Label) is the natural key.
type Address struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Label          string     `json:"label"`
	Type           string     `json:"type,omitempty"`
	Street1        string     `json:"street1"`
	Street2        string     `json:"street2,omitempty"`
	City           string     `json:"city"`
	State          string     `json:"state,omitempty"`
	ZipCode        string     `json:"zip_code,omitempty"`
	Country        string     `json:"country,omitempty"`
	LastEventID    string     `json:"last_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}
