package gateway

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/relay/internal/adapter/metrics"
	"github.com/pscheid92/relay/internal/domain"
	apperrors "github.com/pscheid92/relay/internal/platform/errors"
)

// Route keys sent by the gateway.
const (
	RouteConnect    = "$connect"
	RouteDisconnect = "$disconnect"
	RouteDefault    = "$default"
)

// TokenHeader carries the shared secret when one is configured.
const TokenHeader = "X-Gateway-Token"

// Event is one gateway callback.
type Event struct {
	RouteKey     string `json:"routeKey"`
	ConnectionID string `json:"connectionId"`
	Body         string `json:"body"`
}

// Events turns gateway callbacks into lifecycle and router calls.
type Events struct {
	lifecycle domain.LifecycleHandler
	router    domain.MessageHandler
	poster    Poster
	token     string
	metrics   *metrics.GatewayMetrics
}

// NewEvents creates the callback handler. An empty token disables the
// shared-secret check.
func NewEvents(lifecycle domain.LifecycleHandler, router domain.MessageHandler, poster Poster, token string, gatewayMetrics *metrics.GatewayMetrics) *Events {
	return &Events{
		lifecycle: lifecycle,
		router:    router,
		poster:    poster,
		token:     token,
		metrics:   gatewayMetrics,
	}
}

func (e *Events) Handle(c echo.Context) error {
	if !e.authorized(c.Request()) {
		return apperrors.UnauthorizedError("invalid gateway token")
	}

	var ev Event
	if err := c.Bind(&ev); err != nil {
		return apperrors.ValidationError("invalid event body")
	}
	if ev.ConnectionID == "" {
		return apperrors.ValidationError("connectionId is required").WithContext("route_key", ev.RouteKey)
	}

	ctx := c.Request().Context()

	switch ev.RouteKey {
	case RouteConnect:
		id, err := e.lifecycle.Connect(ctx, ev.ConnectionID, NewHandle(ev.ConnectionID, e.poster))
		if err != nil {
			return apperrors.UnavailableError("connection setup failed", err).WithContext("connection_id", id)
		}
	case RouteDisconnect:
		e.lifecycle.Disconnect(ctx, ev.ConnectionID)
	case RouteDefault:
		e.router.Route(ctx, domain.InboundMessage{SenderID: ev.ConnectionID, Payload: []byte(ev.Body)})
	default:
		return apperrors.ValidationError("unknown route key").WithContext("route_key", ev.RouteKey)
	}

	e.metrics.OnEvent(ev.RouteKey)
	slog.DebugContext(ctx, "Gateway event handled", "route_key", ev.RouteKey, "connection_id", ev.ConnectionID)
	return c.NoContent(http.StatusOK)
}

func (e *Events) authorized(r *http.Request) bool {
	if e.token == "" {
		return true
	}
	got := r.Header.Get(TokenHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(e.token)) == 1
}
