package httpserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/relay/internal/platform/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limitedServer(t *testing.T, apiRate float64, apiBurst int) *Server {
	t.Helper()
	return newTestServer(t,
		withConfig(&config.Config{Port: "0", APIRate: apiRate, APIBurst: apiBurst}),
		withStats(&Stats{InstanceID: "instance-a", Local: fixedCount(1)}),
		withHandlers(Handlers{GatewayEvents: func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}}),
	)
}

func request(srv *Server, method, path, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestStatsRateLimit_BurstThenThrottle(t *testing.T) {
	srv := limitedServer(t, 1, 2)

	for range 2 {
		require.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "1.2.3.4:1000").Code)
	}

	rec := request(srv, http.MethodGet, "/stats", "1.2.3.4:1000")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rec.Body.String())
}

func TestStatsRateLimit_RetryAfterFollowsRate(t *testing.T) {
	srv := limitedServer(t, 0.25, 1)

	require.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "1.2.3.4:1000").Code)

	rec := request(srv, http.MethodGet, "/stats", "1.2.3.4:1000")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("Retry-After"))
}

func TestStatsRateLimit_PerClientIP(t *testing.T) {
	srv := limitedServer(t, 0.01, 1)

	assert.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "1.2.3.4:1000").Code)
	assert.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "5.6.7.8:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, request(srv, http.MethodGet, "/stats", "1.2.3.4:2000").Code)
}

func TestStatsRateLimit_DisabledByNonPositiveRate(t *testing.T) {
	for _, apiRate := range []float64{0, -1} {
		srv := limitedServer(t, apiRate, 0)
		for range 50 {
			require.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "1.2.3.4:1000").Code)
		}
	}
}

func TestGatewayEventsAreNotRateLimited(t *testing.T) {
	srv := limitedServer(t, 0.01, 1)

	for range 20 {
		require.Equal(t, http.StatusOK, request(srv, http.MethodPost, "/gateway/events", "10.0.0.1:443").Code)
	}
	// the gateway's traffic leaves the API budget of that address untouched
	assert.Equal(t, http.StatusOK, request(srv, http.MethodGet, "/stats", "10.0.0.1:443").Code)
}
