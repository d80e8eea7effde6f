// Package httpserver is the echo front door: transport upgrade routes,
// the gateway webhook, health, stats and metrics.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/platform/config"
)

// Handlers are the mounted endpoints. Nil members leave their route out.
// Drainer, when set, turns readiness off once the transport shuts down.
type Handlers struct {
	WebSocket     http.Handler
	Centrifuge    http.Handler
	GatewayEvents echo.HandlerFunc
	Metrics       http.Handler
	Drainer       Drainer
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	handlers     Handlers
	stats        *Stats
	healthChecks []HealthCheck
	httpMetrics  *metrics.HTTPMetrics
	startTime    time.Time
}

func NewServer(cfg *config.Config, handlers Handlers, stats *Stats, healthChecks []HealthCheck, httpMetrics *metrics.HTTPMetrics, clock clockwork.Clock) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		clock:        clock,
		handlers:     handlers,
		stats:        stats,
		healthChecks: healthChecks,
		httpMetrics:  httpMetrics,
		startTime:    clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Start blocks serving until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked WebSocket connections are not
// tracked by echo and must be closed by their handler.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// ServeHTTP exposes the router for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
