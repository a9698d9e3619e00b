package authz

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

// Service answers effective-permission queries from projections only.
type Service struct {
	store  repository.Store
	cache  repository.PermissionCache
	logger *zap.Logger
}

// NewService builds the query service. cache may be nil.
func NewService(store repository.Store, cache repository.PermissionCache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cache: cache, logger: logger}
}

// EffectivePermissions returns the computed set of principal.
func (s *Service) EffectivePermissions(ctx context.Context, principal string) ([]domain.EffectivePermission, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, domain.NewValidationError("principal is required")
	}
	var gen repository.CacheGeneration
	if s.cache != nil {
		perms, g, ok, err := s.cache.Get(ctx, principal)
		if err != nil {
			s.logger.Warn("permission cache read failed", zap.String("principal", principal), zap.Error(err))
		} else if ok {
			return perms, nil
		}
		gen = g
	}

	var in Input
	err := s.store.View(ctx, func(tx repository.Tx) error {
		var err error
		in, err = load(ctx, tx, principal)
		return err
	})
	if err != nil {
		return nil, err
	}
	perms := Compute(in)

	// The set is stored under the generation seen before loading; an
	// invalidation committed meanwhile makes it unreachable.
	if s.cache != nil && gen != "" {
		if err := s.cache.Set(ctx, principal, gen, perms); err != nil {
			s.logger.Warn("permission cache write failed", zap.String("principal", principal), zap.Error(err))
		}
	}
	return perms, nil
}

// Check returns an AuthorizationDenied error unless principal holds
// permission at target.
func (s *Service) Check(ctx context.Context, principal, permission string, target domain.ScopePath) error {
	perms, err := s.EffectivePermissions(ctx, principal)
	if err != nil {
		return err
	}
	if !HasEffectivePermission(perms, permission, target) {
		return domain.NewAuthorizationDenied(principal, permission, target)
	}
	return nil
}

// EventsCommitted drops cached sets that committed events may have changed.
// Assignment events touch one principal; role and permission events can
// touch anyone.
func (s *Service) EventsCommitted(ctx context.Context, evs []domain.Event) {
	if s.cache == nil {
		return
	}
	var principals []string
	all := false
	for _, ev := range evs {
		switch ev.StreamType {
		case domain.StreamUser:
			principals = append(principals, ev.StreamID)
		case domain.StreamRole, domain.StreamPermission:
			all = true
		}
	}

	var err error
	switch {
	case all:
		err = s.cache.InvalidateAll(ctx)
	case len(principals) > 0:
		err = s.cache.Invalidate(ctx, principals...)
	}
	if err != nil {
		s.logger.Error("permission cache invalidation failed", zap.Error(err))
	}
}

func load(ctx context.Context, tx repository.Tx, principal string) (Input, error) {
	in := Input{
		Roles:       make(map[string]domain.Role),
		Permissions: make(map[string]domain.Permission),
	}

	assignments, err := tx.UserRoles().ListActive(ctx, principal)
	if err != nil {
		return in, err
	}
	in.Assignments = assignments

	roleIDs := make([]string, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := in.Roles[a.RoleID]; ok {
			continue
		}
		role, err := tx.Roles().Get(ctx, a.RoleID)
		if domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return in, err
		}
		in.Roles[role.ID] = *role
		roleIDs = append(roleIDs, role.ID)
	}
	if len(roleIDs) == 0 {
		return in, nil
	}

	if in.Grants, err = tx.Roles().ListGrants(ctx, roleIDs); err != nil {
		return in, err
	}
	permissions, err := tx.Permissions().List(ctx)
	if err != nil {
		return in, err
	}
	for _, p := range permissions {
		in.Permissions[p.ID] = p
	}
	in.Implications, err = tx.Permissions().ListImplications(ctx)
	return in, err
}
