package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/platform/correlation"
)

type heartbeater interface {
	Heartbeat(ctx context.Context) error
}

type presencePruner interface {
	// PruneInactive drops presence rows owned by instances that stopped
	// heartbeating and returns how many were removed.
	PruneInactive(ctx context.Context) (int, error)
}

type leaseHolder interface {
	TryAcquire(ctx context.Context) (bool, error)
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Maintenance keeps this instance visible to the cluster and, while it
// holds the lease, prunes presence rows left behind by dead instances.
type Maintenance struct {
	beat     heartbeater
	prune    presencePruner
	lease    leaseHolder
	clock    clockwork.Clock
	interval time.Duration

	leader bool
}

// NewMaintenance creates the loop. prune and lease may be nil together, in
// which case only heartbeats are sent.
func NewMaintenance(beat heartbeater, prune presencePruner, lease leaseHolder, clock clockwork.Clock, interval time.Duration) *Maintenance {
	return &Maintenance{beat: beat, prune: prune, lease: lease, clock: clock, interval: interval}
}

// Run blocks until ctx is cancelled. Leadership is released on exit.
func (m *Maintenance) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			m.release()
			return
		case <-ticker.Chan():
			m.tick(ctx)
		}
	}
}

func (m *Maintenance) tick(ctx context.Context) {
	tickCtx := correlation.WithID(ctx, correlation.NewID())

	if err := m.beat.Heartbeat(tickCtx); err != nil {
		slog.WarnContext(tickCtx, "Heartbeat failed", "error", err)
	}

	if m.lease == nil || m.prune == nil {
		return
	}

	if !m.holdLease(tickCtx) {
		return
	}

	removed, err := m.prune.PruneInactive(tickCtx)
	if err != nil {
		slog.WarnContext(tickCtx, "Presence prune failed", "error", err)
		return
	}
	if removed > 0 {
		slog.InfoContext(tickCtx, "Pruned stale presence rows", "removed", removed)
	}
}

func (m *Maintenance) holdLease(ctx context.Context) bool {
	if m.leader {
		err := m.lease.Renew(ctx)
		if err == nil {
			return true
		}
		slog.WarnContext(ctx, "Lost maintenance lease", "error", err)
		m.leader = false
	}

	acquired, err := m.lease.TryAcquire(ctx)
	if err != nil {
		slog.WarnContext(ctx, "Maintenance lease acquisition failed", "error", err)
		return false
	}
	if acquired {
		slog.InfoContext(ctx, "Acquired maintenance lease")
		m.leader = true
	}
	return acquired
}

func (m *Maintenance) release() {
	if !m.leader || m.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.lease.Release(ctx); err != nil {
		slog.Warn("Failed to release maintenance lease", "error", err)
	}
	m.leader = false
}
