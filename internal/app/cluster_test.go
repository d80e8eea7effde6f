package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/domain/domaintest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clusterNode struct {
	*testRelay
	bus      *domaintest.Bus
	cluster  *ClusterDispatcher
	busStats *metrics.BusMetrics
}

// newCluster starts n relay instances sharing one bus network and one
// presence directory.
func newCluster(t *testing.T, n int, withPresence bool) []*clusterNode {
	t.Helper()
	network := domaintest.NewNetwork()
	dir := domaintest.NewPresence()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodes := make([]*clusterNode, n)
	for i := range nodes {
		instanceID := string(rune('1' + i))
		base := newTestRelay(t)
		bus := network.Bus()
		busStats := metrics.NewBusMetrics(metrics.NewRegistry())

		var presence domain.Presence
		if withPresence {
			presence = dir.For(instanceID)
		}

		cluster := NewClusterDispatcher(base.dispatch, bus, presence, instanceID, "test", busStats)
		base.lifecycle = NewLifecycle(base.store, cluster, presence, base.clock, base.conn)
		base.router = NewRouter(cluster, base.clock, base.relay)

		go func() { _ = cluster.Run(ctx) }()

		nodes[i] = &clusterNode{testRelay: base, bus: bus, cluster: cluster, busStats: busStats}
	}
	return nodes
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, time.Second, 5*time.Millisecond)
}

func TestCluster_BroadcastReachesEveryInstance(t *testing.T) {
	nodes := newCluster(t, 3, true)
	a := nodes[0].connect(t, "a")
	b := nodes[0].connect(t, "b")
	c := nodes[1].connect(t, "c")
	d := nodes[2].connect(t, "d")

	nodes[0].send("a", `{"broadcast":true,"data":{"text":"hi"}}`)

	eventually(t, func() bool { return len(c.received()) == 1 && len(d.received()) == 1 })
	require.Len(t, b.received(), 1)
	for _, h := range []*welcomedHandle{b, c, d} {
		assert.Equal(t, "a", h.received()[0]["from"])
	}

	// origin instance must not deliver its own envelope a second time
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.received())
	assert.Len(t, b.received(), 1)

	assert.InDelta(t, 1, testutil.ToFloat64(nodes[0].busStats.Published.WithLabelValues("test", domain.EnvelopeBroadcast)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(nodes[1].busStats.Received.WithLabelValues("test", domain.EnvelopeBroadcast)), 0)
}

func TestCluster_DirectToRemoteRecipient(t *testing.T) {
	nodes := newCluster(t, 3, true)
	a := nodes[0].connect(t, "a")
	c := nodes[1].connect(t, "c")
	d := nodes[2].connect(t, "d")

	nodes[0].send("a", `{"to":"c","data":"psst"}`)

	eventually(t, func() bool { return len(c.received()) == 1 })
	got := c.received()[0]
	assert.Equal(t, "direct", got["type"])
	assert.Equal(t, "a", got["from"])
	assert.Equal(t, "psst", got["data"])

	published := nodes[0].bus.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "2", published[0].Target)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.received())
	assert.Empty(t, d.received())
}

func TestCluster_DirectUnknownRecipient(t *testing.T) {
	nodes := newCluster(t, 2, true)
	a := nodes[0].connect(t, "a")

	nodes[0].send("a", `{"to":"ghost"}`)

	got := a.received()
	require.Len(t, got, 1)
	assert.Equal(t, domain.MsgRecipientNotFound, got[0]["message"])
	assert.Empty(t, nodes[0].bus.Published())
}

func TestCluster_DirectLocalRecipientSkipsBus(t *testing.T) {
	nodes := newCluster(t, 2, true)
	nodes[0].connect(t, "a")
	b := nodes[0].connect(t, "b")

	nodes[0].send("a", `{"to":"b","data":1}`)

	require.Len(t, b.received(), 1)
	assert.Empty(t, nodes[0].bus.Published())
}

func TestCluster_DirectWithoutPresenceFansOut(t *testing.T) {
	nodes := newCluster(t, 2, false)
	a := nodes[0].connect(t, "a")
	c := nodes[1].connect(t, "c")

	nodes[0].send("a", `{"to":"c","data":1}`)
	eventually(t, func() bool { return len(c.received()) == 1 })

	// without a directory an unknown recipient cannot be reported
	nodes[0].send("a", `{"to":"ghost","data":1}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, a.received())
}

func TestCluster_PublishFailureKeepsLocalDelivery(t *testing.T) {
	nodes := newCluster(t, 2, true)
	nodes[0].bus.PublishErr = errors.New("bus unavailable")
	nodes[0].connect(t, "a")
	b := nodes[0].connect(t, "b")
	c := nodes[1].connect(t, "c")

	nodes[0].send("a", `{"broadcast":true,"data":1}`)

	require.Len(t, b.received(), 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.received())
	assert.InDelta(t, 1, testutil.ToFloat64(nodes[0].busStats.Errors.WithLabelValues("test", "publish")), 0)
}

func TestCluster_IgnoresEnvelopesForOtherTargets(t *testing.T) {
	nodes := newCluster(t, 1, true)
	c := nodes[0].connect(t, "c")

	nodes[0].cluster.deliver(context.Background(), domain.Envelope{
		Kind: domain.EnvelopeDirect, Origin: "9", Target: "7", RecipientID: "c", Frame: []byte(`{"type":"direct"}`),
	})
	nodes[0].cluster.deliver(context.Background(), domain.Envelope{Kind: "mystery", Origin: "9"})

	assert.Empty(t, c.received())
}
