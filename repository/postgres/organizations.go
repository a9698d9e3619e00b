package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fastygo/orgcore/domain"
)

const organizationColumns = `id, name, slug, type, path::text, COALESCE(parent_path::text, ''),
	subdomain, subdomain_record_id, subdomain_verified_at, is_active, bootstrap_status, bootstrap_error,
	bootstrap_params, last_event_id, created_at, updated_at, deleted_at`

type organizationRepository struct {
	q querier
}

func (r *organizationRepository) Get(ctx context.Context, id string) (*domain.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE id = $1`
	return scanOrganization(r.q.QueryRow(ctx, query, id))
}

func (r *organizationRepository) GetBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	query := `SELECT ` + organizationColumns + ` FROM organizations WHERE slug = $1`
	return scanOrganization(r.q.QueryRow(ctx, query, slug))
}

func (r *organizationRepository) Upsert(ctx context.Context, org *domain.Organization) error {
	if org == nil || org.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO organizations (id, name, slug, type, path, parent_path, subdomain, subdomain_record_id,
		subdomain_verified_at, is_active, bootstrap_status, bootstrap_error, bootstrap_params,
		last_event_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5::ltree, NULLIF($6, '')::ltree, $7, $8, $9, $10, $11, $12, $13, $14,
		COALESCE($15, NOW()), NOW(), $16)
	ON CONFLICT (id) DO UPDATE
	SET name = EXCLUDED.name,
		type = EXCLUDED.type,
		subdomain = EXCLUDED.subdomain,
		subdomain_record_id = EXCLUDED.subdomain_record_id,
		subdomain_verified_at = EXCLUDED.subdomain_verified_at,
		is_active = EXCLUDED.is_active,
		bootstrap_status = EXCLUDED.bootstrap_status,
		bootstrap_error = EXCLUDED.bootstrap_error,
		bootstrap_params = COALESCE(EXCLUDED.bootstrap_params, organizations.bootstrap_params),
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW(),
		deleted_at = EXCLUDED.deleted_at
	RETURNING created_at, updated_at
	`

	var params interface{}
	if len(org.BootstrapParams) > 0 {
		params = []byte(org.BootstrapParams)
	}

	err := r.q.QueryRow(ctx, query,
		org.ID,
		org.Name,
		org.Slug,
		org.Type,
		string(org.Path),
		string(org.ParentPath),
		org.Subdomain,
		org.SubdomainRecordID,
		org.SubdomainVerifiedAt,
		org.IsActive,
		org.BootstrapStatus,
		org.BootstrapError,
		params,
		org.LastEventID,
		nullTime(org.CreatedAt),
		org.DeletedAt,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "organizations_slug_key") {
			return domain.NewError(domain.ErrCodeConflict, "organization slug "+org.Slug+" already taken")
		}
		return err
	}
	return nil
}

func (r *organizationRepository) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Organization, error) {
	query := `SELECT ` + organizationColumns + `
	FROM organizations
	WHERE ($1 = '' OR path <@ NULLIF($1, '')::ltree)
	ORDER BY path`
	rows, err := r.q.Query(ctx, query, string(root))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanOrganization)
}

func scanOrganization(row scanner) (*domain.Organization, error) {
	var org domain.Organization
	var path, parent string
	var params []byte

	if err := row.Scan(
		&org.ID,
		&org.Name,
		&org.Slug,
		&org.Type,
		&path,
		&parent,
		&org.Subdomain,
		&org.SubdomainRecordID,
		&org.SubdomainVerifiedAt,
		&org.IsActive,
		&org.BootstrapStatus,
		&org.BootstrapError,
		&params,
		&org.LastEventID,
		&org.CreatedAt,
		&org.UpdatedAt,
		&org.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrOrganizationNotFound
		}
		return nil, err
	}

	org.Path = domain.ScopePath(path)
	org.ParentPath = domain.ScopePath(parent)
	if len(params) > 0 {
		org.BootstrapParams = append([]byte(nil), params...)
	}
	return &org, nil
}

const unitColumns = `id, organization_id, name, path::text, last_event_id, created_at, updated_at, deleted_at`

type unitRepository struct {
	q querier
}

func (r *unitRepository) Get(ctx context.Context, id string) (*domain.OrganizationUnit, error) {
	query := `SELECT ` + unitColumns + ` FROM organization_units WHERE id = $1`
	return scanUnit(r.q.QueryRow(ctx, query, id))
}

func (r *unitRepository) Upsert(ctx context.Context, unit *domain.OrganizationUnit) error {
	if unit == nil || unit.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO organization_units (id, organization_id, name, path, last_event_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4::ltree, $5, COALESCE($6, NOW()), NOW(), $7)
	ON CONFLICT (id) DO UPDATE
	SET name = EXCLUDED.name,
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW(),
		deleted_at = EXCLUDED.deleted_at
	RETURNING created_at, updated_at
	`

	return r.q.QueryRow(ctx, query,
		unit.ID,
		unit.OrganizationID,
		unit.Name,
		string(unit.Path),
		unit.LastEventID,
		nullTime(unit.CreatedAt),
		unit.DeletedAt,
	).Scan(&unit.CreatedAt, &unit.UpdatedAt)
}

func (r *unitRepository) ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.OrganizationUnit, error) {
	query := `SELECT ` + unitColumns + `
	FROM organization_units
	WHERE ($1 = '' OR path <@ NULLIF($1, '')::ltree)
	ORDER BY path`
	rows, err := r.q.Query(ctx, query, string(root))
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUnit)
}

func scanUnit(row scanner) (*domain.OrganizationUnit, error) {
	var unit domain.OrganizationUnit
	var path string
	if err := row.Scan(
		&unit.ID,
		&unit.OrganizationID,
		&unit.Name,
		&path,
		&unit.LastEventID,
		&unit.CreatedAt,
		&unit.UpdatedAt,
		&unit.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUnitNotFound
		}
		return nil, err
	}
	unit.Path = domain.ScopePath(path)
	return &unit, nil
}
