package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fastygo/orgcore/domain"
)

const roleColumns = `id, name, description, COALESCE(organization_id::text, ''), COALESCE(scope_path::text, ''),
	last_event_id, created_at, updated_at, deleted_at`

type roleRepository struct {
	q querier
}

func (r *roleRepository) Get(ctx context.Context, id string) (*domain.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	return scanRole(r.q.QueryRow(ctx, query, id))
}

func (r *roleRepository) Upsert(ctx context.Context, role *domain.Role) error {
	if role == nil || role.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO roles (id, name, description, organization_id, scope_path, last_event_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, '')::ltree, $6, COALESCE($7, NOW()), NOW(), $8)
	ON CONFLICT (id) DO UPDATE
	SET name = EXCLUDED.name,
		description = EXCLUDED.description,
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW(),
		deleted_at = EXCLUDED.deleted_at
	RETURNING created_at, updated_at
	`

	return r.q.QueryRow(ctx, query,
		role.ID,
		role.Name,
		role.Description,
		nullString(role.OrganizationID),
		string(role.ScopePath),
		role.LastEventID,
		nullTime(role.CreatedAt),
		role.DeletedAt,
	).Scan(&role.CreatedAt, &role.UpdatedAt)
}

func (r *roleRepository) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Role, error) {
	query := `SELECT ` + roleColumns + ` FROM roles WHERE organization_id = $1 ORDER BY name`
	rows, err := r.q.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRole)
}

func (r *roleRepository) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Role, error) {
	query := `SELECT ` + roleColumns + `
	FROM roles
	WHERE scope_path IS NOT NULL
	  AND ($1 = '' OR scope_path <@ NULLIF($1, '')::ltree)
	ORDER BY scope_path, name`
	rows, err := r.q.Query(ctx, query, string(root))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanRole)
}

func (r *roleRepository) Grant(ctx context.Context, grant domain.RolePermission) error {
	const query = `
	INSERT INTO role_permissions (role_id, permission_id, last_event_id, granted_at)
	VALUES ($1, $2, $3, COALESCE($4, NOW()))
	ON CONFLICT (role_id, permission_id) DO NOTHING
	`
	_, err := r.q.Exec(ctx, query, grant.RoleID, grant.PermissionID, grant.LastEventID, nullTime(grant.GrantedAt))
	return err
}

func (r *roleRepository) Revoke(ctx context.Context, roleID, permissionID string) error {
	const query = `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`
	_, err := r.q.Exec(ctx, query, roleID, permissionID)
	return err
}

func (r *roleRepository) ListGrants(ctx context.Context, roleIDs []string) ([]domain.RolePermission, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	const query = `
	SELECT role_id, permission_id, last_event_id, granted_at
	FROM role_permissions
	WHERE role_id = ANY($1)
	ORDER BY role_id, permission_id
	`
	rows, err := r.q.Query(ctx, query, roleIDs)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (*domain.RolePermission, error) {
		var g domain.RolePermission
		if err := row.Scan(&g.RoleID, &g.PermissionID, &g.LastEventID, &g.GrantedAt); err != nil {
			return nil, err
		}
		return &g, nil
	})
}

func scanRole(row scanner) (*domain.Role, error) {
	var role domain.Role
	var scope string
	if err := row.Scan(
		&role.ID,
		&role.Name,
		&role.Description,
		&role.OrganizationID,
		&scope,
		&role.LastEventID,
		&role.CreatedAt,
		&role.UpdatedAt,
		&role.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrRoleNotFound
		}
		return nil, err
	}
	role.ScopePath = domain.ScopePath(scope)
	return &role, nil
}

const permissionColumns = `id, name, applet, action, description, scope_type, last_event_id, created_at`

type permissionRepository struct {
	q querier
}

func (r *permissionRepository) Get(ctx context.Context, id string) (*domain.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`
	return scanPermission(r.q.QueryRow(ctx, query, id))
}

func (r *permissionRepository) GetByName(ctx context.Context, name string) (*domain.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE name = $1`
	return scanPermission(r.q.QueryRow(ctx, query, name))
}

func (r *permissionRepository) Upsert(ctx context.Context, permission *domain.Permission) error {
	if permission == nil || permission.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO permissions (id, name, applet, action, description, scope_type, last_event_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, COALESCE($8, NOW()))
	ON CONFLICT (id) DO UPDATE
	SET description = EXCLUDED.description,
		scope_type = EXCLUDED.scope_type,
		last_event_id = EXCLUDED.last_event_id
	RETURNING created_at
	`

	err := r.q.QueryRow(ctx, query,
		permission.ID,
		permission.Name,
		permission.Applet,
		permission.Action,
		permission.Description,
		permission.ScopeType,
		permission.LastEventID,
		nullTime(permission.CreatedAt),
	).Scan(&permission.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "permissions_name_key") {
			return domain.NewError(domain.ErrCodeConflict, "permission "+permission.Name+" already defined")
		}
		return err
	}
	return nil
}

func (r *permissionRepository) List(ctx context.Context) ([]domain.Permission, error) {
	query := `SELECT ` + permissionColumns + ` FROM permissions ORDER BY name`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanPermission)
}

func (r *permissionRepository) AddImplication(ctx context.Context, edge domain.PermissionImplication) error {
	const query = `
	INSERT INTO permission_implications (permission_id, implied_permission_id)
	VALUES ($1, $2)
	ON CONFLICT DO NOTHING
	`
	_, err := r.q.Exec(ctx, query, edge.PermissionID, edge.ImpliedPermissionID)
	return err
}

func (r *permissionRepository) ListImplications(ctx context.Context) ([]domain.PermissionImplication, error) {
	const query = `
	SELECT permission_id, implied_permission_id
	FROM permission_implications
	ORDER BY permission_id, implied_permission_id
	`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (*domain.PermissionImplication, error) {
		var e domain.PermissionImplication
		if err := row.Scan(&e.PermissionID, &e.ImpliedPermissionID); err != nil {
			return nil, err
		}
		return &e, nil
	})
}

func scanPermission(row scanner) (*domain.Permission, error) {
	var p domain.Permission
	if err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Applet,
		&p.Action,
		&p.Description,
		&p.ScopeType,
		&p.LastEventID,
		&p.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPermissionNotFound
		}
		return nil, err
	}
	return &p, nil
}

type userRoleRepository struct {
	q querier
}

func (r *userRoleRepository) Assign(ctx context.Context, assignment domain.UserRole) error {
	const query = `
	INSERT INTO user_roles (user_id, role_id, organization_id, scope_path, last_event_id, assigned_at, revoked_at)
	VALUES ($1, $2, $3, NULLIF($4, '')::ltree, $5, COALESCE($6, NOW()), NULL)
	ON CONFLICT (user_id, role_id, (COALESCE(scope_path::text, ''))) DO UPDATE
	SET last_event_id = EXCLUDED.last_event_id,
		assigned_at = EXCLUDED.assigned_at,
		revoked_at = NULL
	WHERE user_roles.revoked_at IS NOT NULL
	`
	_, err := r.q.Exec(ctx, query,
		assignment.UserID,
		assignment.RoleID,
		nullString(assignment.OrganizationID),
		string(assignment.ScopePath),
		assignment.LastEventID,
		nullTime(assignment.AssignedAt),
	)
	return err
}

func (r *userRoleRepository) Revoke(ctx context.Context, userID, roleID string, scope domain.ScopePath, at time.Time, eventID string) error {
	const query = `
	UPDATE user_roles
	SET revoked_at = $4, last_event_id = $5
	WHERE user_id = $1 AND role_id = $2 AND COALESCE(scope_path::text, '') = $3 AND revoked_at IS NULL
	`
	_, err := r.q.Exec(ctx, query, userID, roleID, string(scope), at, eventID)
	return err
}

func (r *userRoleRepository) ListActive(ctx context.Context, userID string) ([]domain.UserRole, error) {
	const query = `
	SELECT user_id, role_id, COALESCE(organization_id::text, ''), COALESCE(scope_path::text, ''),
		last_event_id, assigned_at, revoked_at
	FROM user_roles
	WHERE user_id = $1 AND revoked_at IS NULL
	ORDER BY role_id, scope_path
	`
	rows, err := r.q.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	return collect(rows, func(row scanner) (*domain.UserRole, error) {
		var ur domain.UserRole
		var scope string
		if err := row.Scan(&ur.UserID, &ur.RoleID, &ur.OrganizationID, &scope, &ur.LastEventID, &ur.AssignedAt, &ur.RevokedAt); err != nil {
			return nil, err
		}
		ur.ScopePath = domain.ScopePath(scope)
		return &ur, nil
	})
}
