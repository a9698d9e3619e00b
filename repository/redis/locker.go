package redis

import (
	"context"
	"time"

	redislib "github.com/redis/go-redis/v9"

	"github.com/fastygo/orgcore/repository"
)

// releaseScript deletes the lock only while owner still holds it.
var releaseScript = redislib.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type locker struct {
	client *redislib.Client
	prefix string
}

// NewLocker creates a SETNX-based lock used as a workflow execution identity.
func NewLocker(client *redislib.Client) repository.Locker {
	return &locker{client: client, prefix: "lock:"}
}

func (l *locker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return l.client.SetNX(ctx, l.prefix+key, owner, ttl).Result()
}

func (l *locker) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + key}, owner).Err()
}
