package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/orgcore/domain"
	"github.com/fastygo/orgcore/repository"
)

type permissionCache struct {
	client *redislib.Client
	prefix string
	ttl    time.Duration
}

// NewPermissionCache creates a Redis-backed effective-permission cache.
// Entry keys embed a global epoch and a per-principal version. Invalidation
// only increments counters, so an entry written under an older generation is
// never read again and ages out with its TTL.
func NewPermissionCache(client *redislib.Client, ttl time.Duration) repository.PermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &permissionCache{
		client: client,
		prefix: "authz:",
		ttl:    ttl,
	}
}

func (c *permissionCache) Get(ctx context.Context, principal string) ([]domain.EffectivePermission, repository.CacheGeneration, bool, error) {
	gen, err := c.generation(ctx, principal)
	if err != nil {
		return nil, "", false, err
	}
	result, err := c.client.Get(ctx, c.entryKey(gen, principal)).Bytes()
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return nil, gen, false, nil
		}
		return nil, gen, false, err
	}

	var perms []domain.EffectivePermission
	if err := json.Unmarshal(result, &perms); err != nil {
		return nil, gen, false, err
	}
	return perms, gen, true, nil
}

func (c *permissionCache) Set(ctx context.Context, principal string, gen repository.CacheGeneration, perms []domain.EffectivePermission) error {
	if gen == "" {
		return errors.New("permission cache: set without a generation")
	}
	if perms == nil {
		perms = []domain.EffectivePermission{}
	}
	payload, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.entryKey(gen, principal), payload, c.ttl).Err()
}

func (c *permissionCache) Invalidate(ctx context.Context, principals ...string) error {
	if len(principals) == 0 {
		return nil
	}
	pipe := c.client.TxPipeline()
	for _, p := range principals {
		pipe.Incr(ctx, c.versionKey(p))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *permissionCache) InvalidateAll(ctx context.Context) error {
	return c.client.Incr(ctx, c.epochKey()).Err()
}

// generation reads the epoch and the principal version in one round trip.
func (c *permissionCache) generation(ctx context.Context, principal string) (repository.CacheGeneration, error) {
	values, err := c.client.MGet(ctx, c.epochKey(), c.versionKey(principal)).Result()
	if err != nil {
		return "", err
	}
	counters := make([]string, len(values))
	for i, v := range values {
		switch v := v.(type) {
		case nil:
			counters[i] = "0"
		case string:
			counters[i] = v
		default:
			return "", fmt.Errorf("permission cache: unexpected counter %T", v)
		}
	}
	return repository.CacheGeneration(counters[0] + "." + counters[1]), nil
}

func (c *permissionCache) entryKey(gen repository.CacheGeneration, principal string) string {
	return fmt.Sprintf("%sentry:%s:%s", c.prefix, gen, principal)
}

func (c *permissionCache) versionKey(principal string) string {
	return c.prefix + "version:" + principal
}

func (c *permissionCache) epochKey() string {
	return c.prefix + "epoch"
}
