package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/relay/internal/platform/errors"
)

type connectionCounter interface {
	Len() int
}

type clusterCounter interface {
	Count(ctx context.Context) (int64, error)
}

type limitsReporter interface {
	Current() int64
	UniqueIPs() int
	CapacityPct() float64
}

// Stats gathers the numbers behind GET /stats. Cluster and Limits may be
// nil.
type Stats struct {
	InstanceID string
	Local      connectionCounter
	Cluster    clusterCounter
	Limits     limitsReporter
}

type statsResponse struct {
	InstanceID         string       `json:"instance_id"`
	Connections        int          `json:"connections"`
	ClusterConnections *int64       `json:"cluster_connections,omitempty"`
	Limits             *limitsStats `json:"limits,omitempty"`
}

type limitsStats struct {
	Upgraded    int64   `json:"upgraded"`
	UniqueIPs   int     `json:"unique_ips"`
	CapacityPct float64 `json:"capacity_pct"`
}

func (s *Server) handleStats(c echo.Context) error {
	if s.stats == nil || s.stats.Local == nil {
		return apperrors.UnavailableError("stats not available", nil)
	}

	resp := statsResponse{
		InstanceID:  s.stats.InstanceID,
		Connections: s.stats.Local.Len(),
	}

	if s.stats.Cluster != nil {
		n, err := s.stats.Cluster.Count(c.Request().Context())
		if err != nil {
			// the local count is still worth returning
			slog.WarnContext(c.Request().Context(), "Cluster count failed", "error", err)
		} else {
			resp.ClusterConnections = &n
		}
	}

	if s.stats.Limits != nil {
		resp.Limits = &limitsStats{
			Upgraded:    s.stats.Limits.Current(),
			UniqueIPs:   s.stats.Limits.UniqueIPs(),
			CapacityPct: s.stats.Limits.CapacityPct(),
		}
	}

	if err := c.JSON(http.StatusOK, resp); err != nil {
		return fmt.Errorf("failed to write stats response: %w", err)
	}
	return nil
}
