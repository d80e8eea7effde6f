package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	ws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/platform/correlation"
	"golang.org/x/time/rate"
)

const (
	throttledKind   = "throttled"
	shutdownReason  = "server shutting down"
	upgradeRejected = "upgrade_failed"
)

// Options configures the upgrade handler.
type Options struct {
	Conn ConnOptions
	// MessageRate and MessageBurst bound inbound messages per connection.
	MessageRate  float64
	MessageBurst int
	CheckOrigin  func(r *http.Request) bool
}

// Handler upgrades HTTP requests to sockets and runs one read loop per
// connection. Inbound messages reach the router in arrival order.
type Handler struct {
	lifecycle    domain.LifecycleHandler
	router       domain.MessageHandler
	limits       *Limits
	clock        clockwork.Clock
	connMetrics  *metrics.ConnectionMetrics
	relayMetrics *metrics.RelayMetrics
	opts         Options
	upgrader     ws.Upgrader

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

var _ http.Handler = (*Handler)(nil)

// NewHandler wires the handler. limits and both metric groups may be nil.
func NewHandler(lifecycle domain.LifecycleHandler, router domain.MessageHandler, limits *Limits, clock clockwork.Clock, connMetrics *metrics.ConnectionMetrics, relayMetrics *metrics.RelayMetrics, opts Options) *Handler {
	return &Handler{
		lifecycle:    lifecycle,
		router:       router,
		limits:       limits,
		clock:        clock,
		connMetrics:  connMetrics,
		relayMetrics: relayMetrics,
		opts:         opts,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns: make(map[*Conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := correlation.Ensure(r.Context())
	ip := clientIP(r)

	if h.limits != nil {
		ok, reason := h.limits.Acquire(ip)
		if !ok {
			h.connMetrics.OnReject(string(reason))
			slog.WarnContext(ctx, "Connection rejected", "reason", reason, "remote_ip", ip)
			status := http.StatusTooManyRequests
			if reason == LimitReasonGlobal {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, "connection limit reached", status)
			return
		}
		defer h.limits.Release(ip)
	}

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		h.connMetrics.OnReject(upgradeRejected)
		slog.DebugContext(ctx, "WebSocket upgrade failed", "remote_ip", ip, "error", err)
		return
	}

	conn := newConn(socket, h.clock, h.opts.Conn)
	if !h.track(conn) {
		conn.Close(shutdownReason)
		return
	}
	defer h.untrack(conn)

	h.serve(ctx, conn)
}

func (h *Handler) serve(ctx context.Context, conn *Conn) {
	id, err := h.lifecycle.Connect(ctx, "", conn)
	if err != nil {
		slog.WarnContext(ctx, "Connection setup failed", "connection_id", id, "error", err)
		conn.Closing()
		conn.Closed()
		conn.stop()
		return
	}
	ctx = correlation.WithConnection(ctx, id)

	limiter := rate.NewLimiter(rate.Limit(h.opts.MessageRate), h.opts.MessageBurst)

	var readErr error
	for {
		payload, err := conn.read()
		if err != nil {
			readErr = err
			break
		}

		if !limiter.AllowN(h.clock.Now(), 1) {
			h.relayMetrics.Routed(throttledKind)
			_ = conn.Send(ctx, domain.Encode(domain.NewError(domain.MsgRateLimited)))
			continue
		}

		h.router.Route(ctx, domain.InboundMessage{SenderID: id, Payload: payload})
	}

	// Closing fails when we started the close ourselves (shutdown, slow peer)
	selfClosed := !conn.Closing()
	if conn.Closed() {
		if selfClosed || isExpectedClose(readErr) {
			h.lifecycle.Disconnect(ctx, id)
		} else {
			h.lifecycle.Fail(ctx, id, readErr)
		}
	}
	conn.stop()
}

// Draining reports whether Shutdown has started.
func (h *Handler) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Shutdown refuses new sockets and sends every open one a close frame.
// It returns when all read loops have finished or ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.draining = true
	open := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		open = append(open, c)
	}
	h.mu.Unlock()

	for _, c := range open {
		c.Close(shutdownReason)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open returns the number of sockets served by this handler.
func (h *Handler) Open() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Handler) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.draining {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Handler) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	h.wg.Done()
}

func isExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	var closeErr *ws.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == ws.CloseNormalClosure || closeErr.Code == ws.CloseGoingAway || closeErr.Code == ws.CloseNoStatusReceived
	}
	return false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
