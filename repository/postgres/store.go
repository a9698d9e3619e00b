package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fastygo/orgcore/repository"
)

type store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Postgres-backed repository.Store. Dispatch savepoints map
// to pgx nested transactions.
func NewStore(pool *pgxpool.Pool) repository.Store {
	return &store{pool: pool}
}

func (s *store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx, tx: tx})
	})
}

// viewOptions gives every query of one View the same snapshot.
var viewOptions = pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}

func (s *store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, viewOptions, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

type pgTx struct {
	q  querier
	tx pgx.Tx
}

func (t *pgTx) Savepoint(ctx context.Context, fn func(tx repository.Tx) error) error {
	if t.tx == nil {
		return fn(t)
	}
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(&pgTx{q: sp, tx: sp})
	})
}

func (t *pgTx) Events() repository.EventRepository               { return &eventRepository{q: t.q} }
func (t *pgTx) Organizations() repository.OrganizationRepository { return &organizationRepository{q: t.q} }
func (t *pgTx) Units() repository.OrganizationUnitRepository     { return &unitRepository{q: t.q} }
func (t *pgTx) Roles() repository.RoleRepository                 { return &roleRepository{q: t.q} }
func (t *pgTx) Permissions() repository.PermissionRepository     { return &permissionRepository{q: t.q} }
func (t *pgTx) UserRoles() repository.UserRoleRepository         { return &userRoleRepository{q: t.q} }
func (t *pgTx) Contacts() repository.ContactRepository           { return &contactRepository{q: t.q} }
func (t *pgTx) Addresses() repository.AddressRepository          { return &addressRepository{q: t.q} }
func (t *pgTx) Invitations() repository.InvitationRepository     { return &invitationRepository{q: t.q} }
