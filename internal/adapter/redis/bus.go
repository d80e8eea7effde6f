package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const backendName = "redis"

// Bus carries envelopes over one Redis pub/sub channel.
type Bus struct {
	rdb     *goredis.Client
	channel string
	metrics *metrics.BusMetrics
}

var _ domain.Bus = (*Bus)(nil)

func NewBus(rdb *goredis.Client, busMetrics *metrics.BusMetrics) *Bus {
	return &Bus{rdb: rdb, channel: fanoutChannel, metrics: busMetrics}
}

func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Run subscribes and hands every envelope to fn until ctx is done. It
// returns once the subscription is confirmed and then closed again, or
// with the error that prevented subscribing.
func (b *Bus) Run(ctx context.Context, fn func(ctx context.Context, env domain.Envelope)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer func() { _ = sub.Close() }()

	// wait for the subscribe confirmation so publishes after Run starts
	// are not lost
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	slog.InfoContext(ctx, "Bus subscribed", "backend", backendName, "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env domain.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.metrics.OnDecodeError(backendName)
				slog.WarnContext(ctx, "Dropping undecodable envelope", "backend", backendName, "error", err)
				continue
			}
			fn(ctx, env)
		case <-ctx.Done():
			return nil
		}
	}
}

// Close is a no-op; the client is owned by the caller.
func (b *Bus) Close() error { return nil }
