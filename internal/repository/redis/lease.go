package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/utafrali/EcommerceGo/warehouse/internal/repository"
)

// SweeperLeaseKey is the key the expiry sweeper coordinates on.
const SweeperLeaseKey = "warehouse:sweeper:lease"

// extendScript renews the lease only if this holder still owns it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the lease only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lease is a repository.Lease stored under one Redis key. The value is a
// random token identifying this holder.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

var _ repository.Lease = (*Lease)(nil)

// NewLease creates a lease on key with a fresh holder token.
func NewLease(client *redis.Client, key string) *Lease {
	return &Lease{
		client: client,
		key:    key,
		token:  uuid.New().String(),
	}
}

// Acquire takes the lease for ttl, or renews it if already held.
func (l *Lease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend lease %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release deletes the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release lease %s: %w", l.key, err)
	}
	return nil
}
