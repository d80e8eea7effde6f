package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
)

// Close reasons recorded in metrics.
const (
	reasonClosed = "closed"
	reasonError  = "error"
)

// Lifecycle keeps the connection store in step with transport sessions.
type Lifecycle struct {
	store    domain.ConnectionStore
	dispatch Dispatcher
	presence domain.Presence
	clock    clockwork.Clock
	metrics  *metrics.ConnectionMetrics
}

var _ domain.LifecycleHandler = (*Lifecycle)(nil)

// NewLifecycle creates the handler. presence and connMetrics may be nil.
func NewLifecycle(store domain.ConnectionStore, dispatch Dispatcher, presence domain.Presence, clock clockwork.Clock, connMetrics *metrics.ConnectionMetrics) *Lifecycle {
	return &Lifecycle{
		store:    store,
		dispatch: dispatch,
		presence: presence,
		clock:    clock,
		metrics:  connMetrics,
	}
}

// Connect registers h and sends it a welcome frame carrying the assigned
// id. An empty id is replaced by a generated one. When the welcome cannot
// be delivered the registration is undone and the error returned; the
// transport only has to close its session.
func (l *Lifecycle) Connect(ctx context.Context, id string, h domain.Handle) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}

	if _, replaced := l.store.Get(id); replaced {
		slog.WarnContext(ctx, "Connection id reused, replacing handle", "connection_id", id)
	} else {
		l.metrics.OnOpen(transportOf(h))
	}
	l.store.Add(id, h)

	if l.presence != nil {
		if err := l.presence.Register(ctx, id); err != nil {
			slog.WarnContext(ctx, "Presence register failed", "connection_id", id, "error", err)
		}
	}

	welcome := domain.Encode(domain.NewWelcome(id, l.clock.Now()))
	if err := l.dispatch.Reply(ctx, id, welcome, domain.FrameWelcome); err != nil {
		l.remove(ctx, id, reasonError)
		return id, fmt.Errorf("send welcome to %s: %w", id, err)
	}

	slog.InfoContext(ctx, "Connection opened", "connection_id", id, "transport", transportOf(h), "connections", l.store.Len())
	return id, nil
}

// Disconnect removes id from the store. Repeated calls are no-ops.
func (l *Lifecycle) Disconnect(ctx context.Context, id string) {
	l.remove(ctx, id, reasonClosed)
}

// Fail handles a transport-level error as an implicit disconnect.
func (l *Lifecycle) Fail(ctx context.Context, id string, err error) {
	slog.WarnContext(ctx, "Connection failed", "connection_id", id, "error", err)
	l.remove(ctx, id, reasonError)
}

func (l *Lifecycle) remove(ctx context.Context, id, reason string) {
	h, ok := l.store.Get(id)
	if !ok || !l.store.Remove(id) {
		slog.DebugContext(ctx, "Connection already removed", "connection_id", id)
		return
	}

	l.metrics.OnClose(transportOf(h), reason)

	if l.presence != nil {
		if err := l.presence.Unregister(context.WithoutCancel(ctx), id); err != nil {
			slog.WarnContext(ctx, "Presence unregister failed", "connection_id", id, "error", err)
		}
	}

	slog.InfoContext(ctx, "Connection closed", "connection_id", id, "reason", reason, "connections", l.store.Len())
}

// transportOf labels a handle for metrics and logs.
func transportOf(h domain.Handle) string {
	if t, ok := h.(interface{ Transport() string }); ok {
		return t.Transport()
	}
	return "unknown"
}
