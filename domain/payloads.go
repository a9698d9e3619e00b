package domain

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Payload is the closed union of event data shapes. Every implementation is
// registered in eventSchemas; DecodePayload never returns an unregistered type.
type Payload interface {
	EventType() EventType
	Validate() error
}

const (
	OrganizationCreated             EventType = "organization.created"
	OrganizationUpdated             EventType = "organization.updated"
	OrganizationSubdomainConfigured EventType = "organization.subdomain_configured"
	OrganizationSubdomainVerified   EventType = "organization.subdomain_verified"
	OrganizationSubdomainRemoved    EventType = "organization.subdomain_removed"
	OrganizationActivated           EventType = "organization.activated"
	OrganizationDeactivated         EventType = "organization.deactivated"
	OrganizationDeleted             EventType = "organization.deleted"
	OrganizationReactivated         EventType = "organization.reactivated"
	OrganizationBootstrapFailed     EventType = "organization.bootstrap_failed"
	OrganizationBootstrapCompleted  EventType = "organization.bootstrap_completed"

	OrganizationUnitCreated     EventType = "organization_unit.created"
	OrganizationUnitDeleted     EventType = "organization_unit.deleted"
	OrganizationUnitReactivated EventType = "organization_unit.reactivated"

	RoleCreated           EventType = "role.created"
	RolePermissionGranted EventType = "role.permission_granted"
	RolePermissionRevoked EventType = "role.permission_revoked"
	RoleDeleted           EventType = "role.deleted"
	RoleReactivated       EventType = "role.reactivated"

	PermissionDefined          EventType = "permission.defined"
	PermissionImplicationAdded EventType = "permission.implication_added"

	UserRoleAssigned EventType = "user.role_assigned"
	UserRoleRevoked  EventType = "user.role_revoked"

	ContactCreated     EventType = "contact.created"
	ContactDeleted     EventType = "contact.deleted"
	ContactReactivated EventType = "contact.reactivated"

	AddressCreated     EventType = "address.created"
	AddressDeleted     EventType = "address.deleted"
	AddressReactivated EventType = "address.reactivated"

	InvitationCreated  EventType = "invitation.created"
	InvitationSent     EventType = "invitation.sent"
	InvitationAccepted EventType = "invitation.accepted"
	InvitationRevoked  EventType = "invitation.revoked"
)

type eventSchema struct {
	stream  StreamType
	version int
	build   func() Payload
}

var eventSchemas = map[EventType]eventSchema{
	OrganizationCreated:             {StreamOrganization, 1, func() Payload { return &OrganizationCreatedData{} }},
	OrganizationUpdated:             {StreamOrganization, 1, func() Payload { return &OrganizationUpdatedData{} }},
	OrganizationSubdomainConfigured: {StreamOrganization, 1, func() Payload { return &SubdomainConfiguredData{} }},
	OrganizationSubdomainVerified:   {StreamOrganization, 1, func() Payload { return &SubdomainVerifiedData{} }},
	OrganizationSubdomainRemoved:    {StreamOrganization, 1, func() Payload { return &SubdomainRemovedData{} }},
	OrganizationActivated:           {StreamOrganization, 1, func() Payload { return &OrganizationActivatedData{} }},
	OrganizationDeactivated:         {StreamOrganization, 1, func() Payload { return &OrganizationDeactivatedData{} }},
	OrganizationDeleted:             {StreamOrganization, 1, func() Payload { return &OrganizationDeletedData{} }},
	OrganizationReactivated:         {StreamOrganization, 1, func() Payload { return &OrganizationReactivatedData{} }},
	OrganizationBootstrapFailed:     {StreamOrganization, 1, func() Payload { return &BootstrapFailedData{} }},
	OrganizationBootstrapCompleted:  {StreamOrganization, 1, func() Payload { return &BootstrapCompletedData{} }},

	OrganizationUnitCreated:     {StreamOrganizationUnit, 1, func() Payload { return &UnitCreatedData{} }},
	OrganizationUnitDeleted:     {StreamOrganizationUnit, 1, func() Payload { return &UnitDeletedData{} }},
	OrganizationUnitReactivated: {StreamOrganizationUnit, 1, func() Payload { return &UnitReactivatedData{} }},

	RoleCreated:           {StreamRole, 1, func() Payload { return &RoleCreatedData{} }},
	RolePermissionGranted: {StreamRole, 1, func() Payload { return &RolePermissionGrantedData{} }},
	RolePermissionRevoked: {StreamRole, 1, func() Payload { return &RolePermissionRevokedData{} }},
	RoleDeleted:           {StreamRole, 1, func() Payload { return &RoleDeletedData{} }},
	RoleReactivated:       {StreamRole, 1, func() Payload { return &RoleReactivatedData{} }},

	PermissionDefined:          {StreamPermission, 1, func() Payload { return &PermissionDefinedData{} }},
	PermissionImplicationAdded: {StreamPermission, 1, func() Payload { return &ImplicationAddedData{} }},

	UserRoleAssigned: {StreamUser, 1, func() Payload { return &UserRoleAssignedData{} }},
	UserRoleRevoked:  {StreamUser, 1, func() Payload { return &UserRoleRevokedData{} }},

	ContactCreated:     {StreamContact, 1, func() Payload { return &ContactCreatedData{} }},
	ContactDeleted:     {StreamContact, 1, func() Payload { return &ContactDeletedData{} }},
	ContactReactivated: {StreamContact, 1, func() Payload { return &ContactReactivatedData{} }},

	AddressCreated:     {StreamAddress, 1, func() Payload { return &AddressCreatedData{} }},
	AddressDeleted:     {StreamAddress, 1, func() Payload { return &AddressDeletedData{} }},
	AddressReactivated: {StreamAddress, 1, func() Payload { return &AddressReactivatedData{} }},

	InvitationCreated:  {StreamInvitation, 1, func() Payload { return &InvitationCreatedData{} }},
	InvitationSent:     {StreamInvitation, 1, func() Payload { return &InvitationSentData{} }},
	InvitationAccepted: {StreamInvitation, 1, func() Payload { return &InvitationAcceptedData{} }},
	InvitationRevoked:  {StreamInvitation, 1, func() Payload { return &InvitationRevokedData{} }},
}

// EventTypes lists every registered event type in lexical order.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(eventSchemas))
	for et := range eventSchemas {
		out = append(out, et)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StreamTypes lists every stream type that owns at least one event type.
func StreamTypes() []StreamType {
	seen := make(map[StreamType]struct{})
	var out []StreamType
	for _, s := range eventSchemas {
		if _, ok := seen[s.stream]; ok {
			continue
		}
		seen[s.stream] = struct{}{}
		out = append(out, s.stream)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StreamTypeOf returns the stream type that owns eventType.
func StreamTypeOf(eventType EventType) (StreamType, bool) {
	s, ok := eventSchemas[eventType]
	return s.stream, ok
}

// SchemaVersion returns the fixed data schema version of eventType.
func SchemaVersion(eventType EventType) int {
	return eventSchemas[eventType].version
}

// DecodePayload strictly decodes data into the registered payload type.
func DecodePayload(eventType EventType, data json.RawMessage) (Payload, error) {
	s, ok := eventSchemas[eventType]
	if !ok {
		return nil, NewValidationError("unknown event type %q", eventType)
	}
	p := s.build()
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, WrapError(ErrCodeInvalid, "decode "+string(eventType), err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload serializes p for an append command.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

func required(eventType EventType, fields map[string]string) error {
	var missing []string
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return NewValidationError("%s: missing %s", eventType, strings.Join(missing, ", "))
}

type OrganizationCreatedData struct {
	Name       string          `json:"name"`
	Slug       string          `json:"slug"`
	Type       string          `json:"type"`
	Path       ScopePath       `json:"path"`
	ParentPath ScopePath       `json:"parent_path,omitempty"`
	Subdomain  string          `json:"subdomain,omitempty"`
	Bootstrap  json.RawMessage `json:"bootstrap,omitempty"`
}

func (*OrganizationCreatedData) EventType() EventType { return OrganizationCreated }
func (d *OrganizationCreatedData) Validate() error {
	if err := required(OrganizationCreated, map[string]string{"name": d.Name, "slug": d.Slug, "path": string(d.Path)}); err != nil {
		return err
	}
	if _, err := ParseScopePath(string(d.Path)); err != nil {
		return err
	}
	if !d.ParentPath.IsGlobal() && !d.ParentPath.Contains(d.Path) {
		return NewValidationError("%s: path %q is not below parent %q", OrganizationCreated, d.Path, d.ParentPath)
	}
	return nil
}

type OrganizationUpdatedData struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

func (*OrganizationUpdatedData) EventType() EventType { return OrganizationUpdated }
func (d *OrganizationUpdatedData) Validate() error {
	return required(OrganizationUpdated, map[string]string{"name": d.Name})
}

type SubdomainConfiguredData struct {
	FQDN     string `json:"fqdn"`
	RecordID string `json:"record_id"`
	Target   string `json:"target"`
}

func (*SubdomainConfiguredData) EventType() EventType { return OrganizationSubdomainConfigured }
func (d *SubdomainConfiguredData) Validate() error {
	return required(OrganizationSubdomainConfigured, map[string]string{"fqdn": d.FQDN, "record_id": d.RecordID})
}

type SubdomainVerifiedData struct {
	FQDN          string   `json:"fqdn"`
	Confirmations int      `json:"confirmations"`
	Quorum        int      `json:"quorum"`
	Resolvers     []string `json:"resolvers,omitempty"`
}

func (*SubdomainVerifiedData) EventType() EventType { return OrganizationSubdomainVerified }
func (d *SubdomainVerifiedData) Validate() error {
	if err := required(OrganizationSubdomainVerified, map[string]string{"fqdn": d.FQDN}); err != nil {
		return err
	}
	if d.Quorum <= 0 || d.Confirmations < d.Quorum {
		return NewValidationError("%s: %d confirmations do not meet quorum %d", OrganizationSubdomainVerified, d.Confirmations, d.Quorum)
	}
	return nil
}

type SubdomainRemovedData struct {
	FQDN     string `json:"fqdn"`
	RecordID string `json:"record_id,omitempty"`
}

func (*SubdomainRemovedData) EventType() EventType { return OrganizationSubdomainRemoved }
func (d *SubdomainRemovedData) Validate() error {
	return required(OrganizationSubdomainRemoved, map[string]string{"fqdn": d.FQDN})
}

type OrganizationActivatedData struct{}

func (*OrganizationActivatedData) EventType() EventType { return OrganizationActivated }
func (*OrganizationActivatedData) Validate() error      { return nil }

type OrganizationDeactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*OrganizationDeactivatedData) EventType() EventType { return OrganizationDeactivated }
func (*OrganizationDeactivatedData) Validate() error      { return nil }

type OrganizationDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*OrganizationDeletedData) EventType() EventType { return OrganizationDeleted }
func (*OrganizationDeletedData) Validate() error      { return nil }

type OrganizationReactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*OrganizationReactivatedData) EventType() EventType { return OrganizationReactivated }
func (*OrganizationReactivatedData) Validate() error      { return nil }

type BootstrapFailedData struct {
	WorkflowID  string   `json:"workflow_id"`
	RunID       string   `json:"run_id"`
	FailedStep  string   `json:"failed_step"`
	Error       string   `json:"error"`
	Compensated []string `json:"compensated,omitempty"`
}

func (*BootstrapFailedData) EventType() EventType { return OrganizationBootstrapFailed }
func (d *BootstrapFailedData) Validate() error {
	return required(OrganizationBootstrapFailed, map[string]string{"workflow_id": d.WorkflowID, "failed_step": d.FailedStep})
}

type BootstrapCompletedData struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

func (*BootstrapCompletedData) EventType() EventType { return OrganizationBootstrapCompleted }
func (d *BootstrapCompletedData) Validate() error {
	return required(OrganizationBootstrapCompleted, map[string]string{"workflow_id": d.WorkflowID})
}

type UnitCreatedData struct {
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Path           ScopePath `json:"path"`
}

func (*UnitCreatedData) EventType() EventType { return OrganizationUnitCreated }
func (d *UnitCreatedData) Validate() error {
	if err := required(OrganizationUnitCreated, map[string]string{"organization_id": d.OrganizationID, "name": d.Name, "path": string(d.Path)}); err != nil {
		return err
	}
	_, err := ParseScopePath(string(d.Path))
	return err
}

type UnitDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*UnitDeletedData) EventType() EventType { return OrganizationUnitDeleted }
func (*UnitDeletedData) Validate() error      { return nil }

type UnitReactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*UnitReactivatedData) EventType() EventType { return OrganizationUnitReactivated }
func (*UnitReactivatedData) Validate() error      { return nil }

type RoleCreatedData struct {
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ScopePath      ScopePath `json:"scope_path,omitempty"`
}

func (*RoleCreatedData) EventType() EventType { return RoleCreated }
func (d *RoleCreatedData) Validate() error {
	if err := required(RoleCreated, map[string]string{"name": d.Name}); err != nil {
		return err
	}
	if (d.OrganizationID == "") != d.ScopePath.IsGlobal() {
		return NewValidationError("%s: organization_id and scope_path must be set together", RoleCreated)
	}
	_, err := ParseScopePath(string(d.ScopePath))
	return err
}

type RolePermissionGrantedData struct {
	PermissionID string `json:"permission_id"`
}

func (*RolePermissionGrantedData) EventType() EventType { return RolePermissionGranted }
func (d *RolePermissionGrantedData) Validate() error {
	return required(RolePermissionGranted, map[string]string{"permission_id": d.PermissionID})
}

type RolePermissionRevokedData struct {
	PermissionID string `json:"permission_id"`
}

func (*RolePermissionRevokedData) EventType() EventType { return RolePermissionRevoked }
func (d *RolePermissionRevokedData) Validate() error {
	return required(RolePermissionRevoked, map[string]string{"permission_id": d.PermissionID})
}

type RoleDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*RoleDeletedData) EventType() EventType { return RoleDeleted }
func (*RoleDeletedData) Validate() error      { return nil }

type RoleReactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*RoleReactivatedData) EventType() EventType { return RoleReactivated }
func (*RoleReactivatedData) Validate() error      { return nil }

type PermissionDefinedData struct {
	Name        string `json:"name"`
	Applet      string `json:"applet"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	ScopeType   string `json:"scope_type,omitempty"`
}

func (*PermissionDefinedData) EventType() EventType { return PermissionDefined }
func (d *PermissionDefinedData) Validate() error {
	return required(PermissionDefined, map[string]string{"name": d.Name, "applet": d.Applet, "action": d.Action})
}

type ImplicationAddedData struct {
	ImpliedPermissionID string `json:"implied_permission_id"`
}

func (*ImplicationAddedData) EventType() EventType { return PermissionImplicationAdded }
func (d *ImplicationAddedData) Validate() error {
	return required(PermissionImplicationAdded, map[string]string{"implied_permission_id": d.ImpliedPermissionID})
}

type UserRoleAssignedData struct {
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	ScopePath      ScopePath `json:"scope_path,omitempty"`
}

func (*UserRoleAssignedData) EventType() EventType { return UserRoleAssigned }
func (d *UserRoleAssignedData) Validate() error {
	if err := required(UserRoleAssigned, map[string]string{"role_id": d.RoleID}); err != nil {
		return err
	}
	_, err := ParseScopePath(string(d.ScopePath))
	return err
}

type UserRoleRevokedData struct {
	RoleID    string    `json:"role_id"`
	ScopePath ScopePath `json:"scope_path,omitempty"`
}

func (*UserRoleRevokedData) EventType() EventType { return UserRoleRevoked }
func (d *UserRoleRevokedData) Validate() error {
	return required(UserRoleRevoked, map[string]string{"role_id": d.RoleID})
}

type ContactCreatedData struct {
	OrganizationID string `json:"organization_id"`
	Label          string `json:"label"`
	Type           string `json:"type,omitempty"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	Email          string `json:"email"`
	Title          string `json:"title,omitempty"`
}

func (*ContactCreatedData) EventType() EventType { return ContactCreated }
func (d *ContactCreatedData) Validate() error {
	return required(ContactCreated, map[string]string{"organization_id": d.OrganizationID, "label": d.Label, "email": d.Email})
}

type ContactDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*ContactDeletedData) EventType() EventType { return ContactDeleted }
func (*ContactDeletedData) Validate() error      { return nil }

type ContactReactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*ContactReactivatedData) EventType() EventType { return ContactReactivated }
func (*ContactReactivatedData) Validate() error      { return nil }

type AddressCreatedData struct {
	OrganizationID string `json:"organization_id"`
	Label          string `json:"label"`
	Type           string `json:"type,omitempty"`
	Street1        string `json:"street1"`
	Street2        string `json:"street2,omitempty"`
	City           string `json:"city"`
	State          string `json:"state,omitempty"`
	ZipCode        string `json:"zip_code,omitempty"`
	Country        string `json:"country,omitempty"`
}

func (*AddressCreatedData) EventType() EventType { return AddressCreated }
func (d *AddressCreatedData) Validate() error {
	return required(AddressCreated, map[string]string{"organization_id": d.OrganizationID, "label": d.Label, "street1": d.Street1, "city": d.City})
}

type AddressDeletedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*AddressDeletedData) EventType() EventType { return AddressDeleted }
func (*AddressDeletedData) Validate() error      { return nil }

type AddressReactivatedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*AddressReactivatedData) EventType() EventType { return AddressReactivated }
func (*AddressReactivatedData) Validate() error      { return nil }

type InvitationCreatedData struct {
	OrganizationID string    `json:"organization_id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name,omitempty"`
	LastName       string    `json:"last_name,omitempty"`
	RoleID         string    `json:"role_id,omitempty"`
	Token          string    `json:"token"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func (*InvitationCreatedData) EventType() EventType { return InvitationCreated }
func (d *InvitationCreatedData) Validate() error {
	if err := required(InvitationCreated, map[string]string{"organization_id": d.OrganizationID, "email": d.Email, "token": d.Token}); err != nil {
		return err
	}
	if d.ExpiresAt.IsZero() {
		return NewValidationError("%s: missing expires_at", InvitationCreated)
	}
	return nil
}

type InvitationSentData struct {
	Channel string `json:"channel,omitempty"`
}

func (*InvitationSentData) EventType() EventType { return InvitationSent }
func (*InvitationSentData) Validate() error      { return nil }

type InvitationAcceptedData struct {
	UserID string `json:"user_id"`
}

func (*InvitationAcceptedData) EventType() EventType { return InvitationAccepted }
func (d *InvitationAcceptedData) Validate() error {
	return required(InvitationAccepted, map[string]string{"user_id": d.UserID})
}

type InvitationRevokedData struct {
	Reason string `json:"reason,omitempty"`
}

func (*InvitationRevokedData) EventType() EventType { return InvitationRevoked }
func (*InvitationRevokedData) Validate() error      { return nil }
