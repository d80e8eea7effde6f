package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/relay/internal/adapter/gateway"
	"github.com/pscheid92/relay/internal/adapter/httpserver"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	natsbus "github.com/pscheid92/relay/internal/adapter/nats"
	"github.com/pscheid92/relay/internal/adapter/redis"
	"github.com/pscheid92/relay/internal/adapter/websocket"
	"github.com/pscheid92/relay/internal/app"
	"github.com/pscheid92/relay/internal/broadcast"
	"github.com/pscheid92/relay/internal/domain"
	"github.com/pscheid92/relay/internal/platform/config"
	"github.com/pscheid92/relay/internal/platform/logging"
	"github.com/pscheid92/relay/internal/platform/version"
	"github.com/pscheid92/relay/internal/registry"
	goredis "github.com/redis/go-redis/v9"
)

const shutdownTimeout = 10 * time.Second

type metricGroups struct {
	connections *metrics.ConnectionMetrics
	relay       *metrics.RelayMetrics
	bus         *metrics.BusMetrics
	redis       *metrics.RedisMetrics
	gateway     *metrics.GatewayMetrics
	http        *metrics.HTTPMetrics
}

func newMetricGroups(reg prometheus.Registerer) metricGroups {
	return metricGroups{
		connections: metrics.NewConnectionMetrics(reg),
		relay:       metrics.NewRelayMetrics(reg),
		bus:         metrics.NewBusMetrics(reg),
		redis:       metrics.NewRedisMetrics(reg),
		gateway:     metrics.NewGatewayMetrics(reg),
		http:        metrics.NewHTTPMetrics(reg),
	}
}

// cluster holds the optional cross-instance pieces. Everything is nil in
// single-process mode.
type cluster struct {
	redisClient *goredis.Client
	natsBus     *natsbus.Bus
	bus         domain.Bus
	presence    *redis.Presence
	registry    *redis.InstanceRegistry
	lease       *redis.Lease
	checks      []httpserver.HealthCheck
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// slog is not initialized yet
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupCluster(ctx context.Context, cfg *config.Config, instanceID string, clock clockwork.Clock, m metricGroups) *cluster {
	cl := &cluster{}

	if cfg.RedisURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := redis.NewClient(connectCtx, cfg.RedisURL, m.redis, clock)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		cl.redisClient = client
		cl.registry = redis.NewInstanceRegistry(client, instanceID, version.Get().Version, cfg.InstanceTTL, clock)
		cl.presence = redis.NewPresence(client, instanceID, cl.registry)
		cl.lease = redis.NewLease(client, instanceID, cfg.InstanceTTL)
		cl.checks = append(cl.checks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
		})
	}

	switch cfg.BusBackend {
	case config.BusRedis:
		cl.bus = redis.NewBus(cl.redisClient, m.bus)
	case config.BusNATS:
		bus, err := natsbus.Connect(cfg.NATSURL, "relay-"+instanceID, m.bus)
		if err != nil {
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		cl.natsBus = bus
		cl.bus = bus
		cl.checks = append(cl.checks, httpserver.HealthCheck{Name: "nats", Check: bus.Ping})
	}

	return cl
}

// domainPresence avoids handing a typed nil to the app layer.
func (cl *cluster) domainPresence() domain.Presence {
	if cl.presence == nil {
		return nil
	}
	return cl.presence
}

func (cl *cluster) close(ctx context.Context) {
	if cl.presence != nil {
		removed, err := cl.presence.Clear(ctx)
		if err != nil {
			slog.Error("Failed to clear presence", "error", err)
		} else {
			slog.Info("Cleared presence rows", "removed", removed)
		}
	}
	if cl.registry != nil {
		if err := cl.registry.Deregister(ctx); err != nil {
			slog.Error("Failed to deregister instance", "error", err)
		}
	}
	if cl.natsBus != nil {
		if err := cl.natsBus.Close(); err != nil {
			slog.Error("Failed to close NATS bus", "error", err)
		}
	}
	if cl.redisClient != nil {
		_ = cl.redisClient.Close()
	}
}

func setupCentrifuge(cfg *config.Config, lifecycle *app.Lifecycle, router *app.Router, checkOrigin func(*http.Request) bool) (*centrifuge.Node, http.Handler) {
	if !cfg.CentrifugeEnabled {
		return nil, nil
	}
	node, err := websocket.NewNode(lifecycle, router, cfg.LogLevel)
	if err != nil {
		slog.Error("Failed to create centrifuge node", "error", err)
		os.Exit(1)
	}
	if err := node.Run(); err != nil {
		slog.Error("Failed to run centrifuge node", "error", err)
		os.Exit(1)
	}
	return node, websocket.NewNodeHandler(node, checkOrigin)
}

// setupGateway returns the webhook handler and the breaker health check,
// or nils when no gateway is configured.
func setupGateway(cfg *config.Config, lifecycle *app.Lifecycle, router *app.Router, clock clockwork.Clock, m metricGroups) (echo.HandlerFunc, []httpserver.HealthCheck) {
	if cfg.GatewayEndpoint == "" {
		return nil, nil
	}
	client := gateway.NewClient(cfg.GatewayEndpoint, cfg.GatewayTimeout, gateway.DefaultPolicy, clock, m.gateway)
	events := gateway.NewEvents(lifecycle, router, client, cfg.GatewayToken, m.gateway)
	slog.Info("Gateway transport enabled", "endpoint", cfg.GatewayEndpoint)
	return events.Handle, []httpserver.HealthCheck{{Name: "gateway", Check: client.Check}}
}

// background runs the long-lived loops and lets shutdown wait for them.
type background struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (b *background) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *background) stop() {
	b.cancel()
	b.wg.Wait()
}

func runGracefulShutdown(srv *httpserver.Server, wsHandler *websocket.Handler, node *centrifuge.Node, bg *background, cl *cluster) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// draining first flips readiness while health checks are still served;
		// hijacked sockets are invisible to the HTTP server anyway
		if err := wsHandler.Shutdown(shutdownCtx); err != nil {
			slog.Error("WebSocket shutdown error", "error", err)
		}
		if node != nil {
			if err := node.Shutdown(shutdownCtx); err != nil {
				slog.Error("Centrifuge shutdown error", "error", err)
			}
		}

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		bg.stop()
		cl.close(shutdownCtx)

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "instance_id", instanceID, "bus", cfg.BusBackend, "version", version.Get().String())

	reg := metrics.NewRegistry()
	metrics.RegisterInstance(reg, instanceID, version.Get())
	m := newMetricGroups(reg)

	ctx, cancel := context.WithCancel(context.Background())
	bg := &background{cancel: cancel}

	cl := setupCluster(ctx, cfg, instanceID, clock, m)
	presence := cl.domainPresence()

	store := registry.NewMemoryStore()
	broadcaster := broadcast.NewBroadcaster(store, clock, m.relay, cfg.BroadcastConcurrency)

	var dispatch app.Dispatcher = app.NewLocalDispatcher(broadcaster)
	if cl.bus != nil {
		clusterDispatch := app.NewClusterDispatcher(dispatch, cl.bus, presence, instanceID, cfg.BusBackend, m.bus)
		bg.goRun(func() {
			if err := clusterDispatch.Run(ctx); err != nil {
				slog.Error("Cluster bus stopped", "error", err)
			}
		})
		dispatch = clusterDispatch
	}

	if cl.registry != nil {
		maintenance := app.NewMaintenance(cl.registry, cl.presence, cl.lease, clock, cfg.HeartbeatInterval)
		bg.goRun(func() { maintenance.Run(ctx) })
	}

	lifecycle := app.NewLifecycle(store, dispatch, presence, clock, m.connections)
	router := app.NewRouter(dispatch, clock, m.relay)

	limits := websocket.NewLimits(websocket.LimitsConfig{
		MaxConnections: cfg.MaxWebSocketConnections,
		MaxPerIP:       cfg.MaxConnectionsPerIP,
		Rate:           cfg.ConnectionRate,
		Burst:          cfg.ConnectionBurst,
	}, clock)
	checkOrigin := websocket.NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment(), cfg.ExtraOrigins()...)

	wsHandler := websocket.NewHandler(lifecycle, router, limits, clock, m.connections, m.relay, websocket.Options{
		Conn: websocket.ConnOptions{
			SendBuffer:      cfg.SendBufferSize,
			WriteTimeout:    cfg.WriteTimeout,
			PingInterval:    cfg.PingInterval,
			PongTimeout:     cfg.PongTimeout,
			MaxMessageBytes: cfg.MaxMessageBytes,
		},
		MessageRate:  cfg.MessageRate,
		MessageBurst: cfg.MessageBurst,
		CheckOrigin:  checkOrigin,
	})

	node, nodeHandler := setupCentrifuge(cfg, lifecycle, router, checkOrigin)

	stats := &httpserver.Stats{InstanceID: instanceID, Local: store, Limits: limits}
	if cl.presence != nil {
		stats.Cluster = cl.presence
	}

	gatewayEvents, gatewayChecks := setupGateway(cfg, lifecycle, router, clock, m)
	checks := append(cl.checks, gatewayChecks...)

	srv := httpserver.NewServer(cfg, httpserver.Handlers{
		WebSocket:     wsHandler,
		Centrifuge:    nodeHandler,
		GatewayEvents: gatewayEvents,
		Metrics:       metrics.Handler(reg),
		Drainer:       wsHandler,
	}, stats, checks, m.http, clock)

	done := runGracefulShutdown(srv, wsHandler, node, bg, cl)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}
