package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/relay/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupCheckTimeout   = 2 * time.Second
	readinessCheckTimeout = 5 * time.Second
)

// Health statuses.
const (
	statusOK        = "ok"
	statusStarted   = "started"
	statusReady     = "ready"
	statusDraining  = "draining"
	statusUnhealthy = "unhealthy"
)

// HealthCheck checks one dependency: the redis client, the nats
// connection or the gateway breaker.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Drainer reports whether a transport stopped taking new sessions.
type Drainer interface {
	Draining() bool
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupCheckTimeout)
	defer cancel()

	results, healthy := s.runHealthChecks(ctx)
	if !healthy {
		return writeHealth(c, http.StatusServiceUnavailable, statusUnhealthy, results)
	}
	return writeHealth(c, http.StatusOK, statusStarted, results)
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": statusOK,
		"uptime": s.clock.Since(s.startTime).Seconds(),
	}
	if s.stats != nil && s.stats.InstanceID != "" {
		response["instance_id"] = s.stats.InstanceID
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// handleReadiness takes the instance out of rotation as soon as the
// WebSocket transport drains, before any dependency is consulted.
func (s *Server) handleReadiness(c echo.Context) error {
	if d := s.handlers.Drainer; d != nil && d.Draining() {
		return writeHealth(c, http.StatusServiceUnavailable, statusDraining, nil)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessCheckTimeout)
	defer cancel()

	results, healthy := s.runHealthChecks(ctx)
	if !healthy {
		return writeHealth(c, http.StatusServiceUnavailable, statusUnhealthy, results)
	}
	return writeHealth(c, http.StatusOK, statusReady, results)
}

// runHealthChecks runs every check concurrently and maps each name to "ok"
// or its error text.
func (s *Server) runHealthChecks(ctx context.Context) (map[string]string, bool) {
	if len(s.healthChecks) == 0 {
		return nil, true
	}

	var (
		mu      sync.Mutex
		results = make(map[string]string, len(s.healthChecks))
		healthy = true
	)

	var g errgroup.Group
	for _, hc := range s.healthChecks {
		g.Go(func() error {
			result := statusOK
			if err := hc.Check(ctx); err != nil {
				result = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			results[hc.Name] = result
			if result != statusOK {
				healthy = false
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, healthy
}

func writeHealth(c echo.Context, code int, status string, checks map[string]string) error {
	response := map[string]any{"status": status}
	if len(checks) > 0 {
		response["checks"] = checks
	}
	if err := c.JSON(code, response); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
