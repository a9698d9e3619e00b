package repository

import (
	"context"
	"time"

	"github.com/fastygo/orgcore/domain"
)

// CacheGeneration identifies the invalidation state a cache lookup observed.
type CacheGeneration string

// PermissionCache stores computed effective permissions per principal.
//
// Get returns the generation it looked under even on a miss. A caller that
// computes the set afterwards must Set it under that generation, so a set
// computed before an invalidation never becomes visible after it.
type PermissionCache interface {
	Get(ctx context.Context, principal string) ([]domain.EffectivePermission, CacheGeneration, bool, error)
	Set(ctx context.Context, principal string, gen CacheGeneration, perms []domain.EffectivePermission) error
	Invalidate(ctx context.Context, principals ...string) error
	// InvalidateAll drops every cached entry.
	InvalidateAll(ctx context.Context) error
}

// Locker grants exclusive execution identities across processes.
type Locker interface {
	// Acquire returns ok=false when key is already held.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) error
}
