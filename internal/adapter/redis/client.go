// Package redis holds the Redis-backed cluster pieces: the presence
// directory, the instance registry, the maintenance lease and the pub/sub
// bus. They share one go-redis client instrumented by the hooks below.
package redis

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// Keys and channels shared by every instance.
const (
	presenceKey      = "relay:presence"
	instancesKey     = "relay:instances"
	leaseKey         = "relay:maintenance:leader"
	fanoutChannel    = "relay:fanout"
	instanceSetMatch = "relay:instance:*:connections"
)

func instanceSetKey(instanceID string) string {
	return "relay:instance:" + instanceID + ":connections"
}

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and verifies the connection. redisMetrics may be nil.
func NewClient(ctx context.Context, redisURL string, redisMetrics *metrics.RedisMetrics, clock clockwork.Clock) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(redisMetrics, clock))
	rdb.AddHook(NewCircuitBreakerHook(redisMetrics))

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}
