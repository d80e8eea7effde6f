package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var errLeaseLost = errors.New("lease lost")

// releaseScript deletes the lease only while we still hold it.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while we still hold it.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lease is a single-holder lock with a TTL. One instance at a time holds
// it and runs cluster maintenance.
type Lease struct {
	rdb        *goredis.Client
	instanceID string
	key        string
	ttl        time.Duration
}

func NewLease(rdb *goredis.Client, instanceID string, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, instanceID: instanceID, key: leaseKey, ttl: ttl}
}

// TryAcquire takes the lease if nobody holds it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.instanceID, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return ok, nil
}

// Renew extends the TTL. It fails if another instance holds the lease or
// it expired.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return errLeaseLost
	}
	return nil
}

// Release gives the lease up if we hold it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Holder returns the instance holding the lease, or "" if nobody does.
func (l *Lease) Holder(ctx context.Context) (string, error) {
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lease holder: %w", err)
	}
	return holder, nil
}
