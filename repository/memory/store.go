// Package memory implements the repository ports in process memory with
// snapshot transactions. It backs tests and STORAGE_DRIVER=memory.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

var errReadOnly = errors.New("memory store: write through read-only view")

type state struct {
	seq          int64
	events       map[string]domain.Event
	streams      map[string][]string
	orgs         map[string]domain.Organization
	units        map[string]domain.OrganizationUnit
	roles        map[string]domain.Role
	grants       map[string]domain.RolePermission
	permissions  map[string]domain.Permission
	implications map[string]domain.PermissionImplication
	userRoles    map[string]domain.UserRole
	contacts     map[string]domain.Contact
	addresses    map[string]domain.Address
	invitations  map[string]domain.Invitation
}

func newState() *state {
	return &state{
		events:       map[string]domain.Event{},
		streams:      map[string][]string{},
		orgs:         map[string]domain.Organization{},
		units:        map[string]domain.OrganizationUnit{},
		roles:        map[string]domain.Role{},
		grants:       map[string]domain.RolePermission{},
		permissions:  map[string]domain.Permission{},
		implications: map[string]domain.PermissionImplication{},
		userRoles:    map[string]domain.UserRole{},
		contacts:     map[string]domain.Contact{},
		addresses:    map[string]domain.Address{},
		invitations:  map[string]domain.Invitation{},
	}
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	streams := make(map[string][]string, len(s.streams))
	for k, ids := range s.streams {
		streams[k] = append([]string(nil), ids...)
	}
	return &state{
		seq:          s.seq,
		events:       cloneMap(s.events),
		streams:      streams,
		orgs:         cloneMap(s.orgs),
		units:        cloneMap(s.units),
		roles:        cloneMap(s.roles),
		grants:       cloneMap(s.grants),
		permissions:  cloneMap(s.permissions),
		implications: cloneMap(s.implications),
		userRoles:    cloneMap(s.userRoles),
		contacts:     cloneMap(s.contacts),
		addresses:    cloneMap(s.addresses),
		invitations:  cloneMap(s.invitations),
	}
}

// Store is a serializable in-memory implementation of repository.Store.
type Store struct {
	mu sync.RWMutex
	st *state
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{st: newState()}
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.st, readOnly: true})
}

type memTx struct {
	st       *state
	readOnly bool
}

func (t *memTx) writable() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) Savepoint(ctx context.Context, fn func(tx repository.Tx) error) error {
	if t.readOnly {
		return fn(t)
	}
	inner := t.st.clone()
	if err := fn(&memTx{st: inner}); err != nil {
		return err
	}
	*t.st = *inner
	return nil
}

func (t *memTx) Events() repository.EventRepository               { return eventRepo{t} }
func (t *memTx) Organizations() repository.OrganizationRepository { return orgRepo{t} }
func (t *memTx) Units() repository.OrganizationUnitRepository     { return unitRepo{t} }
func (t *memTx) Roles() repository.RoleRepository                 { return roleRepo{t} }
func (t *memTx) Permissions() repository.PermissionRepository     { return permissionRepo{t} }
func (t *memTx) UserRoles() repository.UserRoleRepository         { return userRoleRepo{t} }
func (t *memTx) Contacts() repository.ContactRepository           { return contactRepo{t} }
func (t *memTx) Addresses() repository.AddressRepository          { return addressRepo{t} }
func (t *memTx) Invitations() repository.InvitationRepository     { return invitationRepo{t} }

var _ repository.Store = (*Store)(nil)
