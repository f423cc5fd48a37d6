package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gemini-gateway-go/internal/config"
	"gemini-gateway-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The
// gateway's own routes are registered first; everything else — every method,
// every path, the root included — is relayed upstream.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/gateway/status", health.Status)

	e.Any("/", relay.Handle)
	e.Any("/*", relay.Handle)
}

// RegisterMetricsRoute exposes the Prometheus registry when metrics are
// enabled. Registered before the catch-all takes effect for its path.
func RegisterMetricsRoute(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(
		promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
