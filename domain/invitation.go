package domain

import "time"

// Invitation status values.
const (
	InvitationStatusPending  = "pending"
	InvitationStatusSent     = "sent"
	InvitationStatusAccepted = "accepted"
	InvitationStatusRevoked  = "revoked"
)

// Invitation is a pending request for a person to join an organization.
type Invitation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	RoleID         string     `json:"role_id,omitempty"`
	Token          string     `json:"-"`
	Status         string     `json:"status"`
	ExpiresAt      time.Time  `json:"expires_at"`
	SentAt         *time.Time `json:"sent_at,omitempty"`
	AcceptedBy     string     `json:"accepted_by,omitempty"`
	LastEventID    string     `json:"last_event_id"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// IsOpen reports an invitation that can still be sent or accepted.
func (i *Invitation) IsOpen() bool {
	return i != nil && (i.Status == InvitationStatusPending || i.Status == InvitationStatusSent)
}
