// Package distributedlock provides a Redis-based lock for work that must run
// on at most one service instance at a time, such as the expiry sweep.
package distributedlock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned when the lock is already held elsewhere.
var ErrNotAcquired = errors.New("lock already held")

// releaseScript deletes the key only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires and releases distributed locks.
type Locker struct {
	client *redis.Client
}

// Lock is one acquired lock. Release it with Locker.Unlock.
type Lock struct {
	Key   string
	token string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// TryLock attempts to acquire the lock without waiting. Returns
// ErrNotAcquired when another holder has it.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if l.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	token := uuid.NewString()
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return nil, ErrNotAcquired
	}
	return &Lock{Key: key, token: token}, nil
}

// Unlock releases the lock if it is still owned by the caller.
func (l *Locker) Unlock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return fmt.Errorf("lock is nil")
	}
	released, err := releaseScript.Run(ctx, l.client, []string{lock.Key}, lock.token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if released == 0 {
		return fmt.Errorf("lock was not held or token mismatch")
	}
	return nil
}

// Extend refreshes the lock TTL for long-running holders.
func (l *Locker) Extend(ctx context.Context, lock *Lock, ttl time.Duration) error {
	if lock == nil {
		return fmt.Errorf("lock is nil")
	}
	extended, err := extendScript.Run(ctx, l.client, []string{lock.Key}, lock.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if extended == 0 {
		return fmt.Errorf("lock was not held or token mismatch")
	}
	return nil
}
