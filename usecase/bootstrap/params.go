package bootstrap

import (
	"encoding/json"
	"strings"

	"github.com/fastygo/orgcore/domain"
)

// Params describes an organization to bootstrap. They are stored on the
// organization.created event so a failed run can be resumed from them.
type Params struct {
	Name       string           `json:"name"`
	Slug       string           `json:"slug"`
	Type       string           `json:"type,omitempty"`
	ParentPath domain.ScopePath `json:"parent_path,omitempty"`
	Subdomain  string           `json:"subdomain,omitempty"`

	Contacts  []ContactSpec `json:"contacts,omitempty"`
	Addresses []AddressSpec `json:"addresses,omitempty"`
	Units     []UnitSpec    `json:"units,omitempty"`
	AdminRole *RoleSpec     `json:"admin_role,omitempty"`
	Invitees  []InviteeSpec `json:"invitees,omitempty"`

	ActorID string `json:"actor_id,omitempty"`
}

type ContactSpec struct {
	Label     string `json:"label"`
	Type      string `json:"type,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Email     string `json:"email"`
	Title     string `json:"title,omitempty"`
}

type AddressSpec struct {
	Label   string `json:"label"`
	Type    string `json:"type,omitempty"`
	Street1 string `json:"street1"`
	Street2 string `json:"street2,omitempty"`
	City    string `json:"city"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zip_code,omitempty"`
	Country string `json:"country,omitempty"`
}

type UnitSpec struct {
	Name string `json:"name"`
}

// RoleSpec is the organization-scoped administrator role; permissions are
// referenced by name and must already be defined.
type RoleSpec struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Permissions []string `json:"permissions"`
}

type InviteeSpec struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	// Admin invitees receive the admin role when they accept.
	Admin bool `json:"admin,omitempty"`
}

// Normalize trims fields and fills defaults.
func (p *Params) Normalize() {
	p.Name = strings.TrimSpace(p.Name)
	p.Slug = strings.ToLower(strings.TrimSpace(p.Slug))
	p.Subdomain = strings.ToLower(strings.TrimSpace(p.Subdomain))
	if p.ParentPath.IsGlobal() {
		p.ParentPath = domain.RootScope
	}
	for i := range p.Contacts {
		if p.Contacts[i].Label == "" {
			p.Contacts[i].Label = firstNonEmpty(p.Contacts[i].Type, "primary")
		}
		p.Contacts[i].Email = strings.ToLower(strings.TrimSpace(p.Contacts[i].Email))
	}
	for i := range p.Addresses {
		if p.Addresses[i].Label == "" {
			p.Addresses[i].Label = firstNonEmpty(p.Addresses[i].Type, "primary")
		}
	}
	for i := range p.Invitees {
		p.Invitees[i].Email = strings.ToLower(strings.TrimSpace(p.Invitees[i].Email))
	}
}

// Validate rejects parameters no step could succeed with.
func (p *Params) Validate() error {
	if p.Name == "" || p.Slug == "" {
		return domain.NewValidationError("bootstrap: name and slug are required")
	}
	if domain.Label(p.Slug) != p.Slug {
		return domain.NewValidationError("bootstrap: slug %q may contain only lowercase letters, digits and underscores", p.Slug)
	}
	if _, err := domain.ParseScopePath(string(p.ParentPath)); err != nil {
		return err
	}
	if p.Subdomain != "" && strings.ContainsAny(p.Subdomain, " ./") {
		return domain.NewValidationError("bootstrap: subdomain %q must be a single DNS label", p.Subdomain)
	}

	labels := make(map[string]bool)
	for _, c := range p.Contacts {
		if c.Email == "" {
			return domain.NewValidationError("bootstrap: contact %q has no email", c.Label)
		}
		if labels["c:"+c.Label] {
			return domain.NewValidationError("bootstrap: duplicate contact label %q", c.Label)
		}
		labels["c:"+c.Label] = true
	}
	for _, a := range p.Addresses {
		if a.Street1 == "" || a.City == "" {
			return domain.NewValidationError("bootstrap: address %q needs street1 and city", a.Label)
		}
		if labels["a:"+a.Label] {
			return domain.NewValidationError("bootstrap: duplicate address label %q", a.Label)
		}
		labels["a:"+a.Label] = true
	}
	for _, u := range p.Units {
		if domain.Label(u.Name) == "" {
			return domain.NewValidationError("bootstrap: unit name is required")
		}
	}
	if p.AdminRole != nil && strings.TrimSpace(p.AdminRole.Name) == "" {
		return domain.NewValidationError("bootstrap: admin role name is required")
	}
	for _, inv := range p.Invitees {
		if inv.Email == "" {
			return domain.NewValidationError("bootstrap: invitee email is required")
		}
		if inv.Admin && p.AdminRole == nil {
			return domain.NewValidationError("bootstrap: invitee %s requests the admin role but none is defined", inv.Email)
		}
	}
	return nil
}

// Path is the scope path the organization will own.
func (p *Params) Path() domain.ScopePath {
	return p.ParentPath.Child(domain.Label(p.Slug))
}

func (p *Params) encode() (json.RawMessage, error) {
	return json.Marshal(p)
}

func decodeParams(raw json.RawMessage) (*Params, error) {
	if len(raw) == 0 {
		return nil, domain.NewValidationError("organization has no stored bootstrap parameters")
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, domain.WrapError(domain.ErrCodeInvalid, "decode bootstrap parameters", err)
	}
	p.Normalize()
	return &p, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.ToLower(strings.TrimSpace(v))
		}
	}
	return ""
}
