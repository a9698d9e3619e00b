package memory

import (
	"context"
	"sort"
	"time"

	"github.com/fastygo/orgcore/domain"
)

type orgRepo struct{ t *memTx }

func (r orgRepo) Get(ctx context.Context, id string) (*domain.Organization, error) {
	org, ok := r.t.st.orgs[id]
	if !ok {
		return nil, domain.ErrOrganizationNotFound
	}
	return &org, nil
}

func (r orgRepo) GetBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	for _, org := range r.t.st.orgs {
		if org.Slug == slug {
			found := org
			return &found, nil
		}
	}
	return nil, domain.ErrOrganizationNotFound
}

func (r orgRepo) Upsert(ctx context.Context, org *domain.Organization) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if org == nil || org.ID == "" {
		return domain.ErrInvalidPayload
	}
	for id, existing := range r.t.st.orgs {
		if id != org.ID && existing.Slug == org.Slug {
			return domain.NewError(domain.ErrCodeConflict, "organization slug "+org.Slug+" already taken")
		}
	}
	r.t.st.orgs[org.ID] = *org
	return nil
}

func (r orgRepo) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Organization, error) {
	var out []domain.Organization
	for _, org := range r.t.st.orgs {
		if org.Path.Within(root) {
			out = append(out, org)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

type unitRepo struct{ t *memTx }

func (r unitRepo) Get(ctx context.Context, id string) (*domain.OrganizationUnit, error) {
	unit, ok := r.t.st.units[id]
	if !ok {
		return nil, domain.ErrUnitNotFound
	}
	return &unit, nil
}

func (r unitRepo) Upsert(ctx context.Context, unit *domain.OrganizationUnit) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if unit == nil || unit.ID == "" {
		return domain.ErrInvalidPayload
	}
	r.t.st.units[unit.ID] = *unit
	return nil
}

func (r unitRepo) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.OrganizationUnit, error) {
	var out []domain.OrganizationUnit
	for _, unit := range r.t.st.units {
		if unit.Path.Within(root) {
			out = append(out, unit)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

type roleRepo struct{ t *memTx }

func (r roleRepo) Get(ctx context.Context, id string) (*domain.Role, error) {
	role, ok := r.t.st.roles[id]
	if !ok {
		return nil, domain.ErrRoleNotFound
	}
	return &role, nil
}

func (r roleRepo) Upsert(ctx context.Context, role *domain.Role) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if role == nil || role.ID == "" {
		return domain.ErrInvalidPayload
	}
	r.t.st.roles[role.ID] = *role
	return nil
}

func (r roleRepo) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Role, error) {
	var out []domain.Role
	for _, role := range r.t.st.roles {
		if role.OrganizationID == organizationID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r roleRepo) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Role, error) {
	var out []domain.Role
	for _, role := range r.t.st.roles {
		if !role.ScopePath.IsGlobal() && role.ScopePath.Within(root) {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScopePath != out[j].ScopePath {
			return out[i].ScopePath < out[j].ScopePath
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (r roleRepo) Grant(ctx context.Context, grant domain.RolePermission) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	key := grant.RoleID + "|" + grant.PermissionID
	if _, exists := r.t.st.grants[key]; exists {
		return nil
	}
	r.t.st.grants[key] = grant
	return nil
}

func (r roleRepo) Revoke(ctx context.Context, roleID, permissionID string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	delete(r.t.st.grants, roleID+"|"+permissionID)
	return nil
}

func (r roleRepo) ListGrants(ctx context.Context, roleIDs []string) ([]domain.RolePermission, error) {
	want := make(map[string]struct{}, len(roleIDs))
	for _, id := range roleIDs {
		want[id] = struct{}{}
	}
	var out []domain.RolePermission
	for _, g := range r.t.st.grants {
		if _, ok := want[g.RoleID]; ok {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].PermissionID < out[j].PermissionID
	})
	return out, nil
}

type permissionRepo struct{ t *memTx }

func (r permissionRepo) Get(ctx context.Context, id string) (*domain.Permission, error) {
	p, ok := r.t.st.permissions[id]
	if !ok {
		return nil, domain.ErrPermissionNotFound
	}
	return &p, nil
}

func (r permissionRepo) GetByName(ctx context.Context, name string) (*domain.Permission, error) {
	for _, p := range r.t.st.permissions {
		if p.Name == name {
			found := p
			return &found, nil
		}
	}
	return nil, domain.ErrPermissionNotFound
}

func (r permissionRepo) Upsert(ctx context.Context, permission *domain.Permission) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if permission == nil || permission.ID == "" {
		return domain.ErrInvalidPayload
	}
	for id, existing := range r.t.st.permissions {
		if id != permission.ID && existing.Name == permission.Name {
			return domain.NewError(domain.ErrCodeConflict, "permission "+permission.Name+" already defined")
		}
	}
	r.t.st.permissions[permission.ID] = *permission
	return nil
}

func (r permissionRepo) List(ctx context.Context) ([]domain.Permission, error) {
	out := make([]domain.Permission, 0, len(r.t.st.permissions))
	for _, p := range r.t.st.permissions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r permissionRepo) AddImplication(ctx context.Context, edge domain.PermissionImplication) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	r.t.st.implications[edge.PermissionID+"|"+edge.ImpliedPermissionID] = edge
	return nil
}

func (r permissionRepo) ListImplications(ctx context.Context) ([]domain.PermissionImplication, error) {
	out := make([]domain.PermissionImplication, 0, len(r.t.st.implications))
	for _, e := range r.t.st.implications {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PermissionID != out[j].PermissionID {
			return out[i].PermissionID < out[j].PermissionID
		}
		return out[i].ImpliedPermissionID < out[j].ImpliedPermissionID
	})
	return out, nil
}

type userRoleRepo struct{ t *memTx }

func userRoleKey(userID, roleID string, scope domain.ScopePath) string {
	return userID + "|" + roleID + "|" + string(scope)
}

func (r userRoleRepo) Assign(ctx context.Context, assignment domain.UserRole) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	key := userRoleKey(assignment.UserID, assignment.RoleID, assignment.ScopePath)
	if existing, ok := r.t.st.userRoles[key]; ok && existing.RevokedAt == nil {
		return nil
	}
	assignment.RevokedAt = nil
	r.t.st.userRoles[key] = assignment
	return nil
}

func (r userRoleRepo) Revoke(ctx context.Context, userID, roleID string, scope domain.ScopePath, at time.Time, eventID string) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	key := userRoleKey(userID, roleID, scope)
	existing, ok := r.t.st.userRoles[key]
	if !ok || existing.RevokedAt != nil {
		return nil
	}
	existing.RevokedAt = &at
	existing.LastEventID = eventID
	r.t.st.userRoles[key] = existing
	return nil
}

func (r userRoleRepo) ListActive(ctx context.Context, userID string) ([]domain.UserRole, error) {
	var out []domain.UserRole
	for _, ur := range r.t.st.userRoles {
		if ur.UserID == userID && ur.RevokedAt == nil {
			out = append(out, ur)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RoleID != out[j].RoleID {
			return out[i].RoleID < out[j].RoleID
		}
		return out[i].ScopePath < out[j].ScopePath
	})
	return out, nil
}

type contactRepo struct{ t *memTx }

func (r contactRepo) Get(ctx context.Context, id string) (*domain.Contact, error) {
	c, ok := r.t.st.contacts[id]
	if !ok {
		return nil, domain.ErrContactNotFound
	}
	return &c, nil
}

func (r contactRepo) Upsert(ctx context.Context, contact *domain.Contact) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if contact == nil || contact.ID == "" {
		return domain.ErrInvalidPayload
	}
	r.t.st.contacts[contact.ID] = *contact
	return nil
}

func (r contactRepo) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Contact, error) {
	var out []domain.Contact
	for _, c := range r.t.st.contacts {
		if c.OrganizationID == organizationID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

type addressRepo struct{ t *memTx }

func (r addressRepo) Get(ctx context.Context, id string) (*domain.Address, error) {
	a, ok := r.t.st.addresses[id]
	if !ok {
		return nil, domain.ErrAddressNotFound
	}
	return &a, nil
}

func (r addressRepo) Upsert(ctx context.Context, address *domain.Address) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if address == nil || address.ID == "" {
		return domain.ErrInvalidPayload
	}
	r.t.st.addresses[address.ID] = *address
	return nil
}

func (r addressRepo) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Address, error) {
	var out []domain.Address
	for _, a := range r.t.st.addresses {
		if a.OrganizationID == organizationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out, nil
}

type invitationRepo struct{ t *memTx }

func (r invitationRepo) Get(ctx context.Context, id string) (*domain.Invitation, error) {
	inv, ok := r.t.st.invitations[id]
	if !ok {
		return nil, domain.ErrInvitationNotFound
	}
	return &inv, nil
}

func (r invitationRepo) Upsert(ctx context.Context, invitation *domain.Invitation) error {
	if err := r.t.writable(); err != nil {
		return err
	}
	if invitation == nil || invitation.ID == "" {
		return domain.ErrInvalidPayload
	}
	r.t.st.invitations[invitation.ID] = *invitation
	return nil
}

func (r invitationRepo) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Invitation, error) {
	var out []domain.Invitation
	for _, inv := range r.t.st.invitations {
		if inv.OrganizationID == organizationID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
