package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/app"
	"github.com/pscheid92/relay/internal/broadcast"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *registry.MemoryStore
	handler *Handler
	server  *httptest.Server
	clock   *clockwork.FakeClock
	conn    *metrics.ConnectionMetrics
	relay   *metrics.RelayMetrics
}

func newFixture(t *testing.T, limits *Limits, mutate func(*Options)) *fixture {
	t.Helper()

	reg := metrics.NewRegistry()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := registry.NewMemoryStore()
	connMetrics := metrics.NewConnectionMetrics(reg)
	relayMetrics := metrics.NewRelayMetrics(reg)
	dispatch := app.NewLocalDispatcher(broadcast.NewBroadcaster(store, clock, relayMetrics, 8))

	opts := Options{
		Conn:         DefaultConnOptions(),
		MessageRate:  1000,
		MessageBurst: 1000,
		CheckOrigin:  NewCheckOrigin("http://relay.test", false),
	}
	if mutate != nil {
		mutate(&opts)
	}

	h := NewHandler(app.NewLifecycle(store, dispatch, nil, clock, connMetrics), app.NewRouter(dispatch, clock, relayMetrics), limits, clock, connMetrics, relayMetrics, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	return &fixture{store: store, handler: h, server: srv, clock: clock, conn: connMetrics, relay: relayMetrics}
}

func (f *fixture) url() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// dial connects a client and consumes its welcome frame.
func (f *fixture) dial(t *testing.T) (*ws.Conn, string) {
	t.Helper()
	client, _, err := ws.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	welcome := readFrame(t, client)
	require.Equal(t, "welcome", welcome["type"])
	id, _ := welcome["connectionId"].(string)
	require.NotEmpty(t, id)
	return client, id
}

func readFrame(t *testing.T, c *ws.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)

	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func write(t *testing.T, c *ws.Conn, payload string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(ws.TextMessage, []byte(payload)))
}

func TestHandler_WelcomeAndEcho(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, id := f.dial(t)

	assert.Equal(t, 1, f.store.Len())
	_, ok := f.store.Get(id)
	assert.True(t, ok)

	write(t, client, `{"hello":"world"}`)
	echo := readFrame(t, client)
	assert.Equal(t, "echo", echo["type"])
	assert.Equal(t, map[string]any{"hello": "world"}, echo["data"])
	assert.Equal(t, "2024-05-01T12:00:00.000Z", echo["timestamp"])
}

func TestHandler_BroadcastExcludesSender(t *testing.T) {
	f := newFixture(t, nil, nil)
	sender, senderID := f.dial(t)
	receiver, _ := f.dial(t)

	write(t, sender, `{"broadcast":true,"data":"hi all"}`)

	frame := readFrame(t, receiver)
	assert.Equal(t, "broadcast", frame["type"])
	assert.Equal(t, senderID, frame["from"])
	assert.Equal(t, "hi all", frame["data"])

	// the sender gets nothing; a follow-up echo is the next frame it sees
	write(t, sender, `"ping"`)
	assert.Equal(t, "echo", readFrame(t, sender)["type"])
}

func TestHandler_DirectMessage(t *testing.T) {
	f := newFixture(t, nil, nil)
	sender, senderID := f.dial(t)
	receiver, receiverID := f.dial(t)

	write(t, sender, `{"to":"`+receiverID+`","data":{"n":1}}`)
	frame := readFrame(t, receiver)
	assert.Equal(t, "direct", frame["type"])
	assert.Equal(t, senderID, frame["from"])
	assert.Equal(t, map[string]any{"n": float64(1)}, frame["data"])

	write(t, sender, `{"to":"nobody"}`)
	errFrame := readFrame(t, sender)
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, domain.MsgRecipientNotFound, errFrame["message"])
}

func TestHandler_InvalidJSON(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.dial(t)

	write(t, client, `{not json`)
	frame := readFrame(t, client)
	assert.Equal(t, map[string]any{"type": "error", "message": domain.MsgInvalidFormat}, frame)
	assert.Equal(t, 1, f.store.Len(), "a malformed message does not close the connection")
}

func TestHandler_ClientCloseRemovesConnection(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.dial(t)
	require.Equal(t, 1, f.store.Len())

	msg := ws.FormatCloseMessage(ws.CloseNormalClosure, "bye")
	require.NoError(t, client.WriteControl(ws.CloseMessage, msg, time.Now().Add(time.Second)))

	assert.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.conn.Closed.WithLabelValues(transportName, "closed")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.conn.Active.WithLabelValues(transportName)))
}

func TestHandler_AbruptDisconnectCountsAsError(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.dial(t)

	// drop the TCP connection without a close frame
	require.NoError(t, client.UnderlyingConn().Close())

	assert.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(f.conn.Closed.WithLabelValues(transportName, "error")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_RateLimitsInboundMessages(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) {
		o.MessageRate = 1
		o.MessageBurst = 1
	})
	client, _ := f.dial(t)

	write(t, client, `"one"`)
	assert.Equal(t, "echo", readFrame(t, client)["type"])

	// the fake clock never advances, so the bucket stays empty
	write(t, client, `"two"`)
	frame := readFrame(t, client)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, domain.MsgRateLimited, frame["message"])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.relay.MessagesRouted.WithLabelValues(throttledKind)))

	f.clock.Advance(time.Second)
	write(t, client, `"three"`)
	assert.Equal(t, "echo", readFrame(t, client)["type"])
}

func TestHandler_MessageTooLargeClosesConnection(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.Conn.MaxMessageBytes = 16 })
	client, _ := f.dial(t)

	write(t, client, `"`+strings.Repeat("x", 64)+`"`)

	assert.Eventually(t, func() bool { return f.store.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_ConnectionLimit(t *testing.T) {
	limits := NewLimits(LimitsConfig{MaxConnections: 1, MaxPerIP: 10, Rate: 100, Burst: 100}, clockwork.NewRealClock())
	f := newFixture(t, limits, nil)
	_, _ = f.dial(t)

	_, resp, err := ws.DefaultDialer.Dial(f.url(), nil)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.conn.Rejected.WithLabelValues(string(LimitReasonGlobal))))
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	f := newFixture(t, nil, nil)

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := ws.DefaultDialer.Dial(f.url(), header)
	require.ErrorIs(t, err, ws.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.store.Len())
}

func TestHandler_ShutdownClosesSockets(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.dial(t)
	require.Equal(t, 1, f.handler.Open())
	require.False(t, f.handler.Draining())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.handler.Shutdown(ctx) }()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *ws.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, ws.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, shutdownReason, closeErr.Text)

	require.NoError(t, <-done)
	assert.True(t, f.handler.Draining())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.handler.Open())

	// new sockets are turned away once draining
	late, _, err := ws.DefaultDialer.Dial(f.url(), nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, shutdownReason, closeErr.Text)
}

func TestHandler_SendsPings(t *testing.T) {
	f := newFixture(t, nil, nil)
	client, _ := f.dial(t)

	pinged := make(chan struct{}, 1)
	client.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(DefaultConnOptions().PingInterval)

	select {
	case <-pinged:
	case <-ctx.Done():
		t.Fatal("no ping received")
	}
}
