// Package middleware provides Echo middleware for logging, metrics and
// request hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/random"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For streamed relays the duration covers the full body transfer, not just
// time to first byte.
//
// The request id is taken from the inbound X-Request-Id header, or generated
// when absent. It is used for log correlation only and never written to the
// response, which must carry exactly the upstream's header set.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			req := c.Request()
			rid := req.Header.Get(echo.HeaderXRequestID)
			if rid == "" {
				rid = random.String(32)
			}

			err := next(c)

			res := c.Response()

			logger.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", rid,
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
