package app

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/broadcast"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/domain/domaintest"
	"github.com/pscheid92/relay/internal/registry"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const testTimestamp = "2024-05-01T12:00:00.000Z"

type testRelay struct {
	store     *registry.MemoryStore
	lifecycle *Lifecycle
	router    *Router
	dispatch  *LocalDispatcher
	clock     *clockwork.FakeClock
	conn      *metrics.ConnectionMetrics
	relay     *metrics.RelayMetrics
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	reg := metrics.NewRegistry()
	clock := clockwork.NewFakeClockAt(testNow)
	store := registry.NewMemoryStore()
	relayMetrics := metrics.NewRelayMetrics(reg)
	connMetrics := metrics.NewConnectionMetrics(reg)
	dispatch := NewLocalDispatcher(broadcast.NewBroadcaster(store, clock, relayMetrics, 8))

	return &testRelay{
		store:     store,
		lifecycle: NewLifecycle(store, dispatch, nil, clock, connMetrics),
		router:    NewRouter(dispatch, clock, relayMetrics),
		dispatch:  dispatch,
		clock:     clock,
		conn:      connMetrics,
		relay:     relayMetrics,
	}
}

// connect registers a fresh handle under id and discards its welcome frame.
func (r *testRelay) connect(t *testing.T, id string) *welcomedHandle {
	t.Helper()
	h := domaintest.NewHandle()
	got, err := r.lifecycle.Connect(context.Background(), id, h)
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.Equal(t, 1, h.Count())
	return &welcomedHandle{Handle: h}
}

func (r *testRelay) send(senderID, payload string) {
	r.router.Route(context.Background(), domain.InboundMessage{SenderID: senderID, Payload: []byte(payload)})
}

// welcomedHandle hides the welcome frame from assertions.
type welcomedHandle struct {
	*domaintest.Handle
}

func (h *welcomedHandle) received() []map[string]any {
	return h.Decoded()[1:]
}
