package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/pscheid92/relay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// unregisterScript removes a presence row only while it still belongs to
// the calling instance. A connection id that reconnected elsewhere keeps
// its newer row.
var unregisterScript = goredis.NewScript(`
if redis.call("HGET", KEYS[1], ARGV[1]) == ARGV[2] then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return redis.call("SREM", KEYS[2], ARGV[1])
`)

// Presence is the cluster-wide connection directory. The hash maps
// connection id to instance id; each instance also keeps a set of its own
// ids so its rows can be dropped in one pass.
type Presence struct {
	rdb        *goredis.Client
	instanceID string
	registry   *InstanceRegistry
}

var _ domain.Presence = (*Presence)(nil)

func NewPresence(rdb *goredis.Client, instanceID string, registry *InstanceRegistry) *Presence {
	return &Presence{rdb: rdb, instanceID: instanceID, registry: registry}
}

func (p *Presence) Register(ctx context.Context, connectionID string) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, presenceKey, connectionID, p.instanceID)
		pipe.SAdd(ctx, instanceSetKey(p.instanceID), connectionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("register presence %s: %w", connectionID, err)
	}
	return nil
}

func (p *Presence) Unregister(ctx context.Context, connectionID string) error {
	keys := []string{presenceKey, instanceSetKey(p.instanceID)}
	if err := unregisterScript.Run(ctx, p.rdb, keys, connectionID, p.instanceID).Err(); err != nil {
		return fmt.Errorf("unregister presence %s: %w", connectionID, err)
	}
	return nil
}

// Locate returns the owning instance. Rows of instances that stopped
// heartbeating are reported as not found.
func (p *Presence) Locate(ctx context.Context, connectionID string) (string, bool, error) {
	owner, err := p.rdb.HGet(ctx, presenceKey, connectionID).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("locate %s: %w", connectionID, err)
	}

	active, err := p.registry.IsActive(ctx, owner)
	if err != nil {
		return "", false, err
	}
	if !active {
		return "", false, nil
	}
	return owner, true, nil
}

// Count sums the connection sets of active instances.
func (p *Presence) Count(ctx context.Context) (int64, error) {
	active, err := p.registry.ActiveInstances(ctx)
	if err != nil {
		return 0, err
	}

	pipe := p.rdb.Pipeline()
	cmds := make([]*goredis.IntCmd, 0, len(active))
	for _, info := range active {
		cmds = append(cmds, pipe.SCard(ctx, instanceSetKey(info.InstanceID)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("count presence: %w", err)
	}

	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Clear drops every row owned by this instance. Called on shutdown.
func (p *Presence) Clear(ctx context.Context) (int, error) {
	return p.dropInstance(ctx, p.instanceID)
}

// PruneInactive drops the rows of every instance that has a connection set
// but no fresh heartbeat.
func (p *Presence) PruneInactive(ctx context.Context) (int, error) {
	active, err := p.registry.activeSet(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	iter := p.rdb.Scan(ctx, 0, instanceSetMatch, 100).Iterator()
	for iter.Next(ctx) {
		instanceID, ok := instanceFromSetKey(iter.Val())
		if !ok || active[instanceID] {
			continue
		}
		n, err := p.dropInstance(ctx, instanceID)
		if err != nil {
			return removed, err
		}
		removed += n

		if err := p.rdb.HDel(ctx, instancesKey, instanceID).Err(); err != nil {
			return removed, fmt.Errorf("drop instance %s: %w", instanceID, err)
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("scan instance sets: %w", err)
	}
	return removed, nil
}

func (p *Presence) dropInstance(ctx context.Context, instanceID string) (int, error) {
	setKey := instanceSetKey(instanceID)
	members, err := p.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("list connections of %s: %w", instanceID, err)
	}

	removed := 0
	for _, id := range members {
		deleted, err := unregisterScript.Run(ctx, p.rdb, []string{presenceKey, setKey}, id, instanceID).Int()
		if err != nil {
			return removed, fmt.Errorf("drop presence %s: %w", id, err)
		}
		removed += deleted
	}

	if err := p.rdb.Del(ctx, setKey).Err(); err != nil {
		return removed, fmt.Errorf("drop connection set of %s: %w", instanceID, err)
	}
	return removed, nil
}

func instanceFromSetKey(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "relay:instance:")
	if !ok {
		return "", false
	}
	return strings.CutSuffix(rest, ":connections")
}
