package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	if s.httpMetrics != nil {
		s.echo.Use(s.httpMetrics.Middleware())
	}
	s.echo.Use(ErrorHandlingMiddleware())

	s.registerHealthRoutes()

	apiLimit := newRateLimiter(s.config.APIRate, s.config.APIBurst)
	s.echo.GET("/stats", s.handleStats, apiLimit)

	if s.handlers.Metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.handlers.Metrics))
	}
	if s.handlers.WebSocket != nil {
		s.echo.GET("/ws", echo.WrapHandler(s.handlers.WebSocket))
	}
	if s.handlers.Centrifuge != nil {
		s.echo.GET("/connection/websocket", echo.WrapHandler(s.handlers.Centrifuge))
	}
	if s.handlers.GatewayEvents != nil {
		// every callback arrives from the gateway's own addresses, so the
		// per-IP limit does not apply here
		s.echo.POST("/gateway/events", s.handlers.GatewayEvents)
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/metrics" || c.Path() == "/health/live"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "Request", attrs...)
			return nil
		},
	})
}
