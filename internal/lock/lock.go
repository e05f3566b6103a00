// Package lock implements the cluster-wide advisory mutex described in the
// spec: a named lock with TTL and bounded-wait acquisition, backed by an
// external KV store's atomic set-if-absent-with-expiry. Ported from the
// original RedisLock (app/migration/lock.py), with a compare-on-delete token
// so a holder whose TTL already expired can never release someone else's
// lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a lock could not be acquired within the wait
// window. The worker/queue layer treats this as a transient, retryable error.
var ErrTimeout = errors.New("lock: acquire timed out")

// Service is a Redis-backed advisory lock service.
type Service struct {
	client *redis.Client
}

// New creates a Service against the Redis instance named by redisURL (a
// redis:// URL).
func New(redisURL string) (*Service, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Service{client: redis.NewClient(opt)}, nil
}

// Lease represents a held lock; Release gives it up.
type Lease struct {
	svc   *Service
	key   string
	token string
}

// migrationVMKey formats a migration-VM lock name, matching lock:migration:vm:{vm_id}.
func migrationVMKey(vmID string) string {
	return "lock:migration:vm:" + vmID
}

// AcquireMigrationVM acquires the per-VM migration lock, polling every 100ms
// until wait elapses, matching the original's sleep=0.1 poll loop.
func (s *Service) AcquireMigrationVM(ctx context.Context, vmID string, ttl, wait time.Duration) (*Lease, error) {
	return s.acquire(ctx, migrationVMKey(vmID), ttl, wait)
}

func (s *Service) acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := s.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			return &Lease{svc: s, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, key, wait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// releaseScript deletes key only if its value still matches token, so a
// lease whose TTL already expired (and was reacquired by someone else)
// cannot delete the new holder's lock.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release gives up the lease. Safe to call more than once.
func (l *Lease) Release(ctx context.Context) error {
	if err := l.svc.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lock release: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *Service) Close() error {
	return s.client.Close()
}
