package repository

import (
	"context"
	"time"

	"github.com/fastygo/orgcore/domain"
)

// Store opens units of work over the event log and the projections.
type Store interface {
	// WithinTx runs fn in one atomic transaction; fn's error rolls everything back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against committed state. Writes through a view are not allowed.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// Tx exposes every repository bound to one unit of work.
type Tx interface {
	Events() EventRepository
	Organizations() OrganizationRepository
	Units() OrganizationUnitRepository
	Roles() RoleRepository
	Permissions() PermissionRepository
	UserRoles() UserRoleRepository
	Contacts() ContactRepository
	Addresses() AddressRepository
	Invitations() InvitationRepository

	// Savepoint runs fn in a nested scope that is rolled back alone when fn fails.
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
}

type EventFilter struct {
	StreamID   string
	StreamType domain.StreamType
	EventType  domain.EventType
	OnlyFailed bool
	Limit      int
	Offset     int
}

// EventRepository is append-only: the only mutations after Insert record the dispatch outcome.
type EventRepository interface {
	// CurrentVersion returns the highest stream_version of streamID, 0 for a new stream.
	CurrentVersion(ctx context.Context, streamID string) (int64, error)
	// Insert fails with an ORDERING error when (stream_id, stream_version) already exists.
	Insert(ctx context.Context, event *domain.Event) error
	Get(ctx context.Context, id string) (*domain.Event, error)
	ListStream(ctx context.Context, streamID string) ([]domain.Event, error)
	List(ctx context.Context, filter EventFilter) ([]domain.Event, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string, message string) error
}

type OrganizationRepository interface {
	Get(ctx context.Context, id string) (*domain.Organization, error)
	GetBySlug(ctx context.Context, slug string) (*domain.Organization, error)
	Upsert(ctx context.Context, org *domain.Organization) error
	// ListSubtree returns organizations whose path is within root, ordered by path.
	ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Organization, error)
}

type OrganizationUnitRepository interface {
	Get(ctx context.Context, id string) (*domain.OrganizationUnit, error)
	Upsert(ctx context.Context, unit *domain.OrganizationUnit) error
	ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.OrganizationUnit, error)
}

type RoleRepository interface {
	Get(ctx context.Context, id string) (*domain.Role, error)
	Upsert(ctx context.Context, role *domain.Role) error
	ListByOrganization(ctx context.Context, organizationID string) ([]domain.Role, error)
	// ListSubtree returns scoped roles whose scope path is within root.
	ListSubtree(ctx context.Context, root domain.ScopePath) ([]domain.Role, error)
	Grant(ctx context.Context, grant domain.RolePermission) error
	Revoke(ctx context.Context, roleID, permissionID string) error
	ListGrants(ctx context.Context, roleIDs []string) ([]domain.RolePermission, error)
}

type PermissionRepository interface {
	Get(ctx context.Context, id string) (*domain.Permission, error)
	GetByName(ctx context.Context, name string) (*domain.Permission, error)
	Upsert(ctx context.Context, permission *domain.Permission) error
	List(ctx context.Context) ([]domain.Permission, error)
	AddImplication(ctx context.Context, edge domain.PermissionImplication) error
	ListImplications(ctx context.Context) ([]domain.PermissionImplication, error)
}

type UserRoleRepository interface {
	// Assign upserts on (user_id, role_id, scope_path) and clears a previous revocation.
	Assign(ctx context.Context, assignment domain.UserRole) error
	Revoke(ctx context.Context, userID, roleID string, scope domain.ScopePath, at time.Time, eventID string) error
	// ListActive returns non-revoked assignments of userID.
	ListActive(ctx context.Context, userID string) ([]domain.UserRole, error)
}

type ContactRepository interface {
	Get(ctx context.Context, id string) (*domain.Contact, error)
	Upsert(ctx context.Context, contact *domain.Contact) error
	ListByOrganization(ctx context.Context, organizationID string) ([]domain.Contact, error)
}

type AddressRepository interface {
	Get(ctx context.Context, id string) (*domain.Address, error)
	Upsert(ctx context.Context, address *domain.Address) error
	ListByOrganization(ctx context.Context, organizationID string) ([]domain.Address, error)
}

type InvitationRepository interface {
	Get(ctx context.Context, id string) (*domain.Invitation, error)
	Upsert(ctx context.Context, invitation *domain.Invitation) error
	ListByOrganization(ctx context.Context, organizationID string) ([]domain.Invitation, error)
}
