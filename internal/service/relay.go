// Package service implements the core relay engine: header sanitization,
// target URL construction and the streamed body transfer strategy.
package service

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gemini-gateway-go/internal/client"
	"gemini-gateway-go/internal/config"
	"gemini-gateway-go/internal/model"
)

// deniedRequestHeaders are removed from every outbound request. Host must be
// recomputed for the new destination or the upstream rejects the request; the
// cf-*/x-forwarded-for/x-real-ip headers leak client network identity across
// the trust boundary. Content-Length is dropped because the outbound
// transport re-frames the body itself.
var deniedRequestHeaders = []string{
	"Host",
	"Cf-Connecting-Ip",
	"Cf-Ipcountry",
	"X-Forwarded-For",
	"X-Real-Ip",
	"Content-Length",
}

// BodyTooLargeError reports an inbound request body over the configured cap.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("request body exceeds %d byte limit", e.Limit)
}

// RelayService translates one inbound request into one outbound exchange with
// the configured upstream. It holds no per-request state; a single instance
// serves all concurrent relays.
type RelayService struct {
	client  *client.UpstreamClient
	cfg     *config.Config
	logger  *slog.Logger
	baseURL string // scheme://host[:port], no trailing slash
}

// NewRelayService creates a RelayService bound to the configured upstream target.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	base := strings.TrimRight(cfg.Upstream.TargetURL, "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse upstream target_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream target_url %q has no scheme or host", cfg.Upstream.TargetURL)
	}

	return &RelayService{
		client:  c,
		cfg:     cfg,
		logger:  logger.With("component", "relay_service"),
		baseURL: base,
	}, nil
}

// Relay forwards a RelayRequest to the upstream and returns its response with
// status and headers untouched and the body as a live stream. The caller is
// responsible for closing the response body. Exactly one upstream attempt is
// made per call; there is no retry.
//
// Bodies are relayed as streams in both directions. The configured cap still
// applies to the inbound body: a declared Content-Length over the cap fails
// with BodyTooLargeError before any upstream dispatch, and a chunked body
// that crosses the cap mid-transfer aborts the upstream send with the same
// error.
func (s *RelayService) Relay(rr *model.RelayRequest) (*model.RelayResponse, error) {
	limit := s.cfg.Server.BodyMaxBytes
	if limit > 0 && rr.ContentLength > limit {
		return nil, &BodyTooLargeError{Limit: limit}
	}

	body := io.Reader(rr.Body)
	if rr.Body == nil || rr.ContentLength == 0 {
		body = nil
	} else if limit > 0 && rr.ContentLength < 0 {
		// Chunked inbound body: no declared length to check up front, so
		// guard the stream itself.
		body = &cappedReader{r: rr.Body, remaining: limit, limit: limit}
	}

	targetURL := s.buildTargetURL(rr.Path, rr.RawQuery)
	header := SanitizeHeaders(rr.Header)

	s.logger.Debug("relaying request",
		"method", rr.Method,
		"path", rr.Path,
	)

	resp, err := s.client.DoStream(rr.Ctx, rr.Method, targetURL, header, body, rr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("relay to upstream: %w", err)
	}

	return resp, nil
}

// buildTargetURL concatenates the upstream base with the inbound path and raw
// query. The base carries no trailing slash and router paths always start
// with one, so the join can never produce a double slash. The query string is
// forwarded verbatim, not re-encoded.
func (s *RelayService) buildTargetURL(path, rawQuery string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if rawQuery == "" {
		return s.baseURL + path
	}
	return s.baseURL + path + "?" + rawQuery
}

// SanitizeHeaders maps an inbound header set to an outbound one by dropping
// the fixed denylist, case-insensitively. Every other header, including
// Authorization, passes through unchanged; nothing is added. The function is
// pure and idempotent.
func SanitizeHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	for _, key := range deniedRequestHeaders {
		dst.Del(key)
	}
	return dst
}

// cappedReader relays a stream of unknown length while enforcing the body
// cap. Exactly limit bytes pass; the first byte beyond it fails the read,
// which aborts the outbound send cleanly.
type cappedReader struct {
	r         io.Reader
	remaining int64
	limit     int64
}

func (cr *cappedReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.remaining -= int64(n)
	if cr.remaining < 0 {
		return n, &BodyTooLargeError{Limit: cr.limit}
	}
	return n, err
}
