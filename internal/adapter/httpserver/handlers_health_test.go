package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthOK(_ context.Context) error { return nil }

func healthErr(msg string) func(context.Context) error {
	return func(_ context.Context) error { return errors.New(msg) }
}

type drainFlag struct{ on atomic.Bool }

func (d *drainFlag) Draining() bool { return d.on.Load() }

func getPath(t *testing.T, srv *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleStartup(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "no dependencies",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"started"}`,
		},
		{
			name: "redis and nats reachable",
			checks: []HealthCheck{
				{Name: "redis", Check: healthOK},
				{Name: "nats", Check: healthOK},
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"started","checks":{"redis":"ok","nats":"ok"}}`,
		},
		{
			name: "gateway breaker open",
			checks: []HealthCheck{
				{Name: "gateway", Check: healthErr("gateway: circuit breaker is open")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `{"status":"unhealthy","checks":{"gateway":"gateway: circuit breaker is open"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, withHealthChecks(tt.checks...))
			rec := getPath(t, srv, "/health/startup")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleReadiness(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantStatus int
		wantBody   string
	}{
		{
			name:       "single instance",
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready"}`,
		},
		{
			name: "cluster healthy",
			checks: []HealthCheck{
				{Name: "redis", Check: healthOK},
				{Name: "nats", Check: healthOK},
				{Name: "gateway", Check: healthOK},
			},
			wantStatus: http.StatusOK,
			wantBody:   `{"status":"ready","checks":{"redis":"ok","nats":"ok","gateway":"ok"}}`,
		},
		{
			name: "every failure is reported",
			checks: []HealthCheck{
				{Name: "redis", Check: healthErr("connection refused")},
				{Name: "nats", Check: healthErr("nats not connected: RECONNECTING")},
				{Name: "gateway", Check: healthOK},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantBody: `{"status":"unhealthy","checks":{
				"redis":"connection refused",
				"nats":"nats not connected: RECONNECTING",
				"gateway":"ok"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, withHealthChecks(tt.checks...))
			rec := getPath(t, srv, "/health/ready")

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleReadiness_DrainingSkipsChecks(t *testing.T) {
	drain := &drainFlag{}
	var calls atomic.Int32
	srv := newTestServer(t,
		withHandlers(Handlers{Drainer: drain}),
		withHealthChecks(HealthCheck{Name: "redis", Check: func(context.Context) error {
			calls.Add(1)
			return nil
		}}),
	)

	rec := getPath(t, srv, "/health/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int32(1), calls.Load())

	drain.on.Store(true)
	rec = getPath(t, srv, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"draining"}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())

	// liveness is unaffected so the process is not restarted mid-drain
	assert.Equal(t, http.StatusOK, getPath(t, srv, "/health/live").Code)
}

func TestHandleReadiness_ChecksRunConcurrently(t *testing.T) {
	release := make(chan struct{})
	var started atomic.Int32
	slow := func(ctx context.Context) error {
		started.Add(1)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	srv := newTestServer(t, withHealthChecks(
		HealthCheck{Name: "redis", Check: slow},
		HealthCheck{Name: "nats", Check: slow},
	))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- getPath(t, srv, "/health/ready") }()

	require.Eventually(t, func() bool { return started.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(release)

	rec := <-done
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleLiveness_InstanceID(t *testing.T) {
	clock := clockwork.NewFakeClock()
	srv := newTestServer(t, withClock(clock), withStats(&Stats{InstanceID: "relay-1"}))
	clock.Advance(3 * time.Second)

	rec := getPath(t, srv, "/health/live")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","uptime":3,"instance_id":"relay-1"}`, rec.Body.String())
}

func TestHandleVersion(t *testing.T) {
	rec := getPath(t, newTestServer(t), "/version")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"version"`)
	assert.Contains(t, body, `"commit"`)
	assert.Contains(t, body, `"build_time"`)
	assert.Contains(t, body, `"go_version"`)
}
