package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// InstanceInfo is one heartbeat row.
type InstanceInfo struct {
	InstanceID string `json:"instance_id"`
	Timestamp  int64  `json:"timestamp"`
	Version    string `json:"version"`
}

// InstanceRegistry keeps one heartbeat row per relay instance. An instance
// whose row is older than ttl counts as inactive.
type InstanceRegistry struct {
	rdb        *goredis.Client
	instanceID string
	version    string
	ttl        time.Duration
	clock      clockwork.Clock
}

func NewInstanceRegistry(rdb *goredis.Client, instanceID, version string, ttl time.Duration, clock clockwork.Clock) *InstanceRegistry {
	return &InstanceRegistry{rdb: rdb, instanceID: instanceID, version: version, ttl: ttl, clock: clock}
}

// Heartbeat refreshes this instance's row.
func (r *InstanceRegistry) Heartbeat(ctx context.Context) error {
	data, err := json.Marshal(InstanceInfo{
		InstanceID: r.instanceID,
		Timestamp:  r.clock.Now().UnixMilli(),
		Version:    r.version,
	})
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	if err := r.rdb.HSet(ctx, instancesKey, r.instanceID, data).Err(); err != nil {
		return fmt.Errorf("heartbeat %s: %w", r.instanceID, err)
	}
	return nil
}

// Deregister removes this instance's row. Called on graceful shutdown.
func (r *InstanceRegistry) Deregister(ctx context.Context) error {
	if err := r.rdb.HDel(ctx, instancesKey, r.instanceID).Err(); err != nil {
		return fmt.Errorf("deregister %s: %w", r.instanceID, err)
	}
	return nil
}

// ActiveInstances returns the rows seen within ttl.
func (r *InstanceRegistry) ActiveInstances(ctx context.Context) ([]InstanceInfo, error) {
	rows, err := r.rdb.HGetAll(ctx, instancesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	active := make([]InstanceInfo, 0, len(rows))
	for _, data := range rows {
		info, ok := r.parse(data)
		if ok && r.isFresh(info) {
			active = append(active, info)
		}
	}
	return active, nil
}

// IsActive reports whether instanceID heartbeated within ttl.
func (r *InstanceRegistry) IsActive(ctx context.Context, instanceID string) (bool, error) {
	data, err := r.rdb.HGet(ctx, instancesKey, instanceID).Result()
	if err == goredis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get instance %s: %w", instanceID, err)
	}
	info, ok := r.parse(data)
	return ok && r.isFresh(info), nil
}

func (r *InstanceRegistry) activeSet(ctx context.Context) (map[string]bool, error) {
	infos, err := r.ActiveInstances(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(infos))
	for _, info := range infos {
		set[info.InstanceID] = true
	}
	return set, nil
}

func (r *InstanceRegistry) parse(data string) (InstanceInfo, bool) {
	var info InstanceInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return InstanceInfo{}, false
	}
	return info, true
}

func (r *InstanceRegistry) isFresh(info InstanceInfo) bool {
	seen := time.UnixMilli(info.Timestamp)
	return r.clock.Since(seen) < r.ttl
}
