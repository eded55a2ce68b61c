package redis

import (
	"context"
	"errors"
	"time"

	"github.com/gabapcia/lnwatch/internal/node"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Compile-time assertion to ensure *client satisfies the node.Locker interface
var _ node.Locker = (*client)(nil)

var (
	// ErrLockNotAcquired is returned when another node instance currently
	// holds the lock.
	ErrLockNotAcquired = errors.New("node lock held by another instance")

	// ErrLockNotHeld is returned when releasing a lock this instance does not
	// hold, e.g. after its TTL expired and another instance took over.
	ErrLockNotHeld = errors.New("node lock not held by this instance")
)

// nodeLockKey is the Redis key backing the single-instance node lock.
const nodeLockKey = "lnwatch:node:lock"

// releaseLockScript deletes the lock only when the stored token matches, so a
// release after TTL expiry cannot remove another instance's lock.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshLockScript extends the lock TTL only when the stored token matches.
var refreshLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// AcquireNodeLock takes the single-instance node lock for at most ttl and
// returns a fencing token required to release it. Only one watcher may sync
// against the same checkpoint at a time.
func (c *client) AcquireNodeLock(ctx context.Context, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := c.conn.SetNX(ctx, nodeLockKey, token, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrLockNotAcquired
	}

	return token, nil
}

// RefreshNodeLock extends the TTL of a held lock. It fails with
// ErrLockNotHeld when the lock expired and is no longer this instance's.
func (c *client) RefreshNodeLock(ctx context.Context, token string, ttl time.Duration) error {
	refreshed, err := refreshLockScript.Run(ctx, c.conn, []string{nodeLockKey}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if refreshed == 0 {
		return ErrLockNotHeld
	}

	return nil
}

// ReleaseNodeLock releases the node lock identified by the fencing token
// returned from AcquireNodeLock.
func (c *client) ReleaseNodeLock(ctx context.Context, token string) error {
	deleted, err := releaseLockScript.Run(ctx, c.conn, []string{nodeLockKey}, token).Int()
	if err != nil {
		return err
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}

	return nil
}
