package projection

import (
	"context"
	"fmt"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
	"github.com/fastygo/orgcore/usecase/events"
)

// AccessProcessor maintains roles, grants, permissions, implications and
// user role assignments.
type AccessProcessor struct{}

func NewAccessProcessor() *AccessProcessor {
	return &AccessProcessor{}
}

func (p *AccessProcessor) Name() string { return "access" }

func (p *AccessProcessor) StreamTypes() []domain.StreamType {
	return []domain.StreamType{domain.StreamRole, domain.StreamPermission, domain.StreamUser}
}

func (p *AccessProcessor) EventTypes() []domain.EventType {
	return []domain.EventType{
		domain.RoleCreated,
		domain.RolePermissionGranted,
		domain.RolePermissionRevoked,
		domain.RoleDeleted,
		domain.RoleReactivated,
		domain.PermissionDefined,
		domain.PermissionImplicationAdded,
		domain.UserRoleAssigned,
		domain.UserRoleRevoked,
	}
}

func (p *AccessProcessor) Handle(ctx context.Context, tx repository.Tx, em events.Emitter, ev *domain.Event, payload domain.Payload) error {
	switch data := payload.(type) {
	case *domain.RoleCreatedData:
		return p.roleCreated(ctx, tx, ev, data)
	case *domain.RolePermissionGrantedData:
		return p.granted(ctx, tx, ev, data)
	case *domain.RolePermissionRevokedData:
		if _, err := tx.Roles().Get(ctx, ev.StreamID); err != nil {
			return err
		}
		return tx.Roles().Revoke(ctx, ev.StreamID, data.PermissionID)
	case *domain.RoleDeletedData:
		return p.mutateRole(ctx, tx, ev, func(role *domain.Role) {
			if role.DeletedAt == nil {
				role.DeletedAt = timePtr(ev.CreatedAt)
			}
		})
	case *domain.RoleReactivatedData:
		return p.mutateRole(ctx, tx, ev, func(role *domain.Role) {
			role.DeletedAt = nil
		})
	case *domain.PermissionDefinedData:
		return p.permissionDefined(ctx, tx, ev, data)
	case *domain.ImplicationAddedData:
		return p.implicationAdded(ctx, tx, ev, data)
	case *domain.UserRoleAssignedData:
		return p.assigned(ctx, tx, ev, data)
	case *domain.UserRoleRevokedData:
		return tx.UserRoles().Revoke(ctx, ev.StreamID, data.RoleID, data.ScopePath, ev.CreatedAt, ev.ID)
	default:
		return unhandled(p.Name(), ev)
	}
}

func (p *AccessProcessor) roleCreated(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.RoleCreatedData) error {
	if _, err := tx.Roles().Get(ctx, ev.StreamID); err == nil {
		return nil
	} else if !domain.IsNotFound(err) {
		return err
	}

	if data.OrganizationID != "" {
		org, err := tx.Organizations().Get(ctx, data.OrganizationID)
		if err != nil {
			return err
		}
		if !data.ScopePath.Within(org.Path) {
			return fmt.Errorf("role scope %s is outside organization %s", data.ScopePath, org.Path)
		}
	}

	return tx.Roles().Upsert(ctx, &domain.Role{
		ID:             ev.StreamID,
		Name:           data.Name,
		Description:    data.Description,
		OrganizationID: data.OrganizationID,
		ScopePath:      data.ScopePath,
		LastEventID:    ev.ID,
		CreatedAt:      ev.CreatedAt,
		UpdatedAt:      ev.CreatedAt,
	})
}

// granted fails while the role or the permission is missing so the event
// stays retryable until its dependency is recorded.
func (p *AccessProcessor) granted(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.RolePermissionGrantedData) error {
	if _, err := tx.Roles().Get(ctx, ev.StreamID); err != nil {
		return err
	}
	if _, err := tx.Permissions().Get(ctx, data.PermissionID); err != nil {
		return fmt.Errorf("grant %s: %w", data.PermissionID, err)
	}
	return tx.Roles().Grant(ctx, domain.RolePermission{
		RoleID:       ev.StreamID,
		PermissionID: data.PermissionID,
		LastEventID:  ev.ID,
		GrantedAt:    ev.CreatedAt,
	})
}

func (p *AccessProcessor) mutateRole(ctx context.Context, tx repository.Tx, ev *domain.Event, apply func(role *domain.Role)) error {
	role, err := tx.Roles().Get(ctx, ev.StreamID)
	if err != nil {
		return err
	}
	if applied(role.LastEventID, ev) {
		return nil
	}
	apply(role)
	role.LastEventID = ev.ID
	role.UpdatedAt = ev.CreatedAt
	return tx.Roles().Upsert(ctx, role)
}

func (p *AccessProcessor) permissionDefined(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.PermissionDefinedData) error {
	existing, err := tx.Permissions().Get(ctx, ev.StreamID)
	switch {
	case err == nil:
		if applied(existing.LastEventID, ev) {
			return nil
		}
		existing.Description = data.Description
		existing.ScopeType = data.ScopeType
		existing.LastEventID = ev.ID
		return tx.Permissions().Upsert(ctx, existing)
	case !domain.IsNotFound(err):
		return err
	}

	return tx.Permissions().Upsert(ctx, &domain.Permission{
		ID:          ev.StreamID,
		Name:        data.Name,
		Applet:      data.Applet,
		Action:      data.Action,
		Description: data.Description,
		ScopeType:   data.ScopeType,
		LastEventID: ev.ID,
		CreatedAt:   ev.CreatedAt,
	})
}

func (p *AccessProcessor) implicationAdded(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.ImplicationAddedData) error {
	if ev.StreamID == data.ImpliedPermissionID {
		return fmt.Errorf("permission %s cannot imply itself", ev.StreamID)
	}
	for _, id := range []string{ev.StreamID, data.ImpliedPermissionID} {
		if _, err := tx.Permissions().Get(ctx, id); err != nil {
			return fmt.Errorf("implication %s: %w", id, err)
		}
	}
	return tx.Permissions().AddImplication(ctx, domain.PermissionImplication{
		PermissionID:        ev.StreamID,
		ImpliedPermissionID: data.ImpliedPermissionID,
	})
}

// assigned records a role assignment for the user stream. An omitted scope on
// a scoped role defaults to the role's own scope.
func (p *AccessProcessor) assigned(ctx context.Context, tx repository.Tx, ev *domain.Event, data *domain.UserRoleAssignedData) error {
	role, err := tx.Roles().Get(ctx, data.RoleID)
	if err != nil {
		return err
	}
	if role.IsDeleted() {
		return fmt.Errorf("role %s is deleted", role.ID)
	}

	scope := data.ScopePath
	orgID := data.OrganizationID
	if role.OrganizationID != "" {
		if scope.IsGlobal() {
			scope = role.ScopePath
		}
		if !scope.Within(role.ScopePath) {
			return fmt.Errorf("assignment scope %s is outside role scope %s", scope, role.ScopePath)
		}
		if orgID == "" {
			orgID = role.OrganizationID
		}
	}

	return tx.UserRoles().Assign(ctx, domain.UserRole{
		UserID:         ev.StreamID,
		RoleID:         role.ID,
		OrganizationID: orgID,
		ScopePath:      scope,
		LastEventID:    ev.ID,
		AssignedAt:     ev.CreatedAt,
	})
}
