package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/fastygo/orgcore/domain"
)

const contactColumns = `id, organization_id, label, type, first_name, last_name, email, title,
	last_event_id, created_at, updated_at, deleted_at`

type contactRepository struct {
	q querier
}

func (r *contactRepository) Get(ctx context.Context, id string) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	return scanContact(r.q.QueryRow(ctx, query, id))
}

func (r *contactRepository) Upsert(ctx context.Context, c *domain.Contact) error {
	if c == nil || c.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO contacts (id, organization_id, label, type, first_name, last_name, email, title,
		last_event_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()), NOW(), $11)
	ON CONFLICT (id) DO UPDATE
	SET type = EXCLUDED.type,
		first_name = EXCLUDED.first_name,
		last_name = EXCLUDED.last_name,
		email = EXCLUDED.email,
		title = EXCLUDED.title,
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW(),
		deleted_at = EXCLUDED.deleted_at
	RETURNING created_at, updated_at
	`

	return r.q.QueryRow(ctx, query,
		c.ID, c.OrganizationID, c.Label, c.Type, c.FirstName, c.LastName, c.Email, c.Title,
		c.LastEventID, nullTime(c.CreatedAt), c.DeletedAt,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
}

func (r *contactRepository) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE organization_id = $1 ORDER BY label`
	rows, err := r.q.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanContact)
}

func scanContact(row scanner) (*domain.Contact, error) {
	var c domain.Contact
	if err := row.Scan(
		&c.ID, &c.OrganizationID, &c.Label, &c.Type, &c.FirstName, &c.LastName, &c.Email, &c.Title,
		&c.LastEventID, &c.CreatedAt, &c.UpdatedAt, &c.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrContactNotFound
		}
		return nil, err
	}
	return &c, nil
}

const addressColumns = `id, organization_id, label, type, street1, street2, city, state, zip_code, country,
	last_event_id, created_at, updated_at, deleted_at`

type addressRepository struct {
	q querier
}

func (r *addressRepository) Get(ctx context.Context, id string) (*domain.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE id = $1`
	return scanAddress(r.q.QueryRow(ctx, query, id))
}

func (r *addressRepository) Upsert(ctx context.Context, a *domain.Address) error {
	if a == nil || a.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO addresses (id, organization_id, label, type, street1, street2, city, state, zip_code, country,
		last_event_id, created_at, updated_at, deleted_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, COALESCE($12, NOW()), NOW(), $13)
	ON CONFLICT (id) DO UPDATE
	SET type = EXCLUDED.type,
		street1 = EXCLUDED.street1,
		street2 = EXCLUDED.street2,
		city = EXCLUDED.city,
		state = EXCLUDED.state,
		zip_code = EXCLUDED.zip_code,
		country = EXCLUDED.country,
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW(),
		deleted_at = EXCLUDED.deleted_at
	RETURNING created_at, updated_at
	`

	return r.q.QueryRow(ctx, query,
		a.ID, a.OrganizationID, a.Label, a.Type, a.Street1, a.Street2, a.City, a.State, a.ZipCode, a.Country,
		a.LastEventID, nullTime(a.CreatedAt), a.DeletedAt,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *addressRepository) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Address, error) {
	query := `SELECT ` + addressColumns + ` FROM addresses WHERE organization_id = $1 ORDER BY label`
	rows, err := r.q.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanAddress)
}

func scanAddress(row scanner) (*domain.Address, error) {
	var a domain.Address
	if err := row.Scan(
		&a.ID, &a.OrganizationID, &a.Label, &a.Type, &a.Street1, &a.Street2, &a.City, &a.State, &a.ZipCode, &a.Country,
		&a.LastEventID, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAddressNotFound
		}
		return nil, err
	}
	return &a, nil
}

const invitationColumns = `id, organization_id, email, first_name, last_name, role_id, token, status,
	expires_at, sent_at, accepted_by, last_event_id, created_at, updated_at`

type invitationRepository struct {
	q querier
}

func (r *invitationRepository) Get(ctx context.Context, id string) (*domain.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE id = $1`
	return scanInvitation(r.q.QueryRow(ctx, query, id))
}

func (r *invitationRepository) Upsert(ctx context.Context, inv *domain.Invitation) error {
	if inv == nil || inv.ID == "" {
		return domain.ErrInvalidPayload
	}

	const query = `
	INSERT INTO invitations (id, organization_id, email, first_name, last_name, role_id, token, status,
		expires_at, sent_at, accepted_by, last_event_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, COALESCE($13, NOW()), NOW())
	ON CONFLICT (id) DO UPDATE
	SET status = EXCLUDED.status,
		sent_at = EXCLUDED.sent_at,
		accepted_by = EXCLUDED.accepted_by,
		last_event_id = EXCLUDED.last_event_id,
		updated_at = NOW()
	RETURNING created_at, updated_at
	`

	return r.q.QueryRow(ctx, query,
		inv.ID, inv.OrganizationID, inv.Email, inv.FirstName, inv.LastName, inv.RoleID, inv.Token, inv.Status,
		inv.ExpiresAt, inv.SentAt, inv.AcceptedBy, inv.LastEventID, nullTime(inv.CreatedAt),
	).Scan(&inv.CreatedAt, &inv.UpdatedAt)
}

func (r *invitationRepository) ListByOrganization(ctx context.Context, organizationID string) ([]domain.Invitation, error) {
	query := `SELECT ` + invitationColumns + ` FROM invitations WHERE organization_id = $1 ORDER BY created_at, id`
	rows, err := r.q.Query(ctx, query, organizationID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanInvitation)
}

func scanInvitation(row scanner) (*domain.Invitation, error) {
	var inv domain.Invitation
	if err := row.Scan(
		&inv.ID, &inv.OrganizationID, &inv.Email, &inv.FirstName, &inv.LastName, &inv.RoleID, &inv.Token, &inv.Status,
		&inv.ExpiresAt, &inv.SentAt, &inv.AcceptedBy, &inv.LastEventID, &inv.CreatedAt, &inv.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrInvitationNotFound
		}
		return nil, err
	}
	return &inv, nil
}
