package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/platform/correlation"
	"golang.org/x/sync/singleflight"
)

// ClusterDispatcher extends local delivery to connections held by other
// instances. Broadcasts go out locally first and are then published on the
// bus; every other instance repeats them against its own store. Direct
// sends use the presence directory to publish to the owning instance only.
type ClusterDispatcher struct {
	local      Dispatcher
	bus        domain.Bus
	presence   domain.Presence
	instanceID string
	backend    string
	metrics    *metrics.BusMetrics

	locate singleflight.Group
}

var _ Dispatcher = (*ClusterDispatcher)(nil)

// NewClusterDispatcher wraps local. presence may be nil, in which case
// direct sends to remote connections are published to every instance and
// an unknown recipient cannot be reported back to the sender.
func NewClusterDispatcher(local Dispatcher, bus domain.Bus, presence domain.Presence, instanceID, backend string, busMetrics *metrics.BusMetrics) *ClusterDispatcher {
	return &ClusterDispatcher{
		local:      local,
		bus:        bus,
		presence:   presence,
		instanceID: instanceID,
		backend:    backend,
		metrics:    busMetrics,
	}
}

func (d *ClusterDispatcher) Reply(ctx context.Context, id string, frame []byte, frameType string) error {
	return d.local.Reply(ctx, id, frame, frameType)
}

func (d *ClusterDispatcher) Broadcast(ctx context.Context, frame []byte, excludeID string) {
	d.local.Broadcast(ctx, frame, excludeID)
	d.publish(ctx, domain.Envelope{
		Kind:      domain.EnvelopeBroadcast,
		Origin:    d.instanceID,
		ExcludeID: excludeID,
		Frame:     frame,
	})
}

func (d *ClusterDispatcher) Direct(ctx context.Context, recipientID string, frame []byte) error {
	err := d.local.Direct(ctx, recipientID, frame)
	if !errors.Is(err, domain.ErrConnectionNotFound) {
		return err
	}

	env := domain.Envelope{
		Kind:        domain.EnvelopeDirect,
		Origin:      d.instanceID,
		RecipientID: recipientID,
		Frame:       frame,
	}

	if d.presence != nil {
		owner, found, err := d.owner(ctx, recipientID)
		if err != nil {
			return fmt.Errorf("locate %s: %w", recipientID, err)
		}
		// a row pointing at us is stale: the local store is authoritative
		if !found || owner == d.instanceID {
			return domain.ErrConnectionNotFound
		}
		env.Target = owner
	}

	d.publish(ctx, env)
	return nil
}

type located struct {
	owner string
	found bool
}

// owner collapses concurrent lookups for the same recipient into one
// presence query.
func (d *ClusterDispatcher) owner(ctx context.Context, recipientID string) (string, bool, error) {
	v, err, _ := d.locate.Do(recipientID, func() (any, error) {
		owner, found, err := d.presence.Locate(ctx, recipientID)
		return located{owner: owner, found: found}, err
	})
	if err != nil {
		return "", false, err
	}
	loc := v.(located)
	return loc.owner, loc.found, nil
}

func (d *ClusterDispatcher) publish(ctx context.Context, env domain.Envelope) {
	err := d.bus.Publish(context.WithoutCancel(ctx), env)
	d.metrics.OnPublish(d.backend, env.Kind, err)
	if err != nil {
		slog.WarnContext(ctx, "Bus publish failed", "kind", env.Kind, "backend", d.backend, "error", err)
	}
}

// Run consumes envelopes from other instances until ctx is cancelled.
func (d *ClusterDispatcher) Run(ctx context.Context) error {
	if err := d.bus.Run(ctx, d.deliver); err != nil {
		return fmt.Errorf("run %s bus: %w", d.backend, err)
	}
	return nil
}

func (d *ClusterDispatcher) deliver(ctx context.Context, env domain.Envelope) {
	if env.Origin == d.instanceID {
		return
	}
	ctx = correlation.WithID(ctx, correlation.NewID())
	d.metrics.OnReceive(d.backend, env.Kind)

	switch env.Kind {
	case domain.EnvelopeBroadcast:
		d.local.Broadcast(ctx, env.Frame, env.ExcludeID)
	case domain.EnvelopeDirect:
		if env.Target != "" && env.Target != d.instanceID {
			return
		}
		err := d.local.Direct(ctx, env.RecipientID, env.Frame)
		if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
			slog.WarnContext(ctx, "Remote direct send failed", "connection_id", env.RecipientID, "origin", env.Origin, "error", err)
		}
	default:
		slog.WarnContext(ctx, "Unknown envelope kind", "kind", env.Kind, "origin", env.Origin)
	}
}
