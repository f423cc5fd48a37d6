package handler

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"gemini-gateway-go/internal/model"
	"gemini-gateway-go/internal/service"
)

// RelayHandler forwards every inbound request to the upstream origin and
// streams the response back.
type RelayHandler struct {
	service *service.RelayService
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle relays the request to the upstream and streams the response back.
// Status code and headers are the upstream's, verbatim; body bytes are
// forwarded in order with a flush per chunk so incremental output (e.g.
// token streams) reaches the client as it arrives.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	rr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.Path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Relay(rr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Upstream headers pass through unmodified, caching and encoding
	// headers included.
	dst := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			dst.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If the copy fails
	// mid-stream (client disconnect, upstream reset), the status code is
	// already on the wire and cannot change; the client sees a truncated
	// body with no trailing error marker. That is an inherent limit of
	// streaming over HTTP — we log it and terminate the connection early.
	if _, err := io.Copy(&flushWriter{dst: c.Response()}, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

// mapError converts a relay failure into a single non-streamed plain-text
// response. Per-request errors never propagate past this point.
func (h *RelayHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("relay error",
		"err", err,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
	)

	var tooLarge *service.BodyTooLargeError
	if errors.As(err, &tooLarge) {
		return c.String(http.StatusBadRequest, tooLarge.Error())
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.String(http.StatusGatewayTimeout, "upstream request timed out")
	}

	if errors.Is(err, context.Canceled) {
		return c.String(http.StatusBadGateway, "client disconnected")
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.String(http.StatusBadGateway, "upstream host unreachable: "+dnsErr.Error())
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return c.String(http.StatusBadGateway, "upstream TLS failure: "+certErr.Error())
	}

	return c.String(http.StatusBadGateway, "gateway error: "+upstreamCause(err))
}

// upstreamCause strips the client-side url.Error wrapping so the diagnostic
// stays short while keeping the underlying error's text.
func upstreamCause(err error) string {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Err.Error()
	}
	return err.Error()
}

// flushWriter flushes after every chunk so the client receives streamed
// output incrementally instead of at buffer boundaries.
type flushWriter struct {
	dst *echo.Response
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.dst.Write(p)
	if n > 0 {
		fw.dst.Flush()
	}
	return n, err
}
