// Package client provides the pooled HTTP client for the upstream origin.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	xproxy "golang.org/x/net/proxy"

	"gemini-gateway-go/internal/config"
	"gemini-gateway-go/internal/metrics"
	"gemini-gateway-go/internal/model"
)

// UpstreamClient owns the connection pool to the upstream origin. It is built
// once at startup and shared by every relay; the pool's acquire/release
// protocol is concurrency-safe, so relays need no locking of their own.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// tcpDialer dials upstream TCP connections with the configured connect
// timeout and keep-alive interval, and applies the TCP no-delay setting to
// each new connection.
type tcpDialer struct {
	dialer  *net.Dialer
	noDelay bool
}

func (d *tcpDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(d.noDelay)
	}
	return conn, nil
}

// Dial implements proxy.Dialer so the dialer can serve as the forward dialer
// of a SOCKS5 proxy.
func (d *tcpDialer) Dial(network, addr string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, addr)
}

// NewUpstreamClient creates an UpstreamClient with connection pooling,
// timeouts and optional outbound proxying configured from cfg. Construction
// failures are configuration errors and fatal at startup.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*UpstreamClient, error) {
	logger = logger.With("component", "upstream_client")

	td := &tcpDialer{
		dialer: &net.Dialer{
			Timeout:   cfg.Upstream.ConnectTimeout(),
			KeepAlive: cfg.Upstream.KeepAlive(),
		},
		noDelay: !cfg.Upstream.DisableTCPNoDelay,
	}

	transport := &http.Transport{
		DialContext:           td.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          2 * cfg.Upstream.MaxIdleConnsPerHost,
		MaxIdleConnsPerHost:   cfg.Upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.Upstream.IdleConnTimeout(),
		ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout(),
		// Compressed upstream bytes pass through unmodified; the gateway
		// never negotiates or undoes content encoding.
		DisableCompression: true,
	}

	if cfg.Proxy.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402 -- explicit operator opt-in
		logger.Warn("upstream TLS certificate verification is DISABLED; connections are open to interception")
	}

	proxyURL, err := cfg.Proxy.ProxyURL()
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}
	if proxyURL != nil {
		if err := routeThroughProxy(transport, proxyURL, td); err != nil {
			return nil, fmt.Errorf("build upstream client: %w", err)
		}
		logger.Info("outbound proxy enabled", "scheme", proxyURL.Scheme, "host", proxyURL.Host)
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			// Zero disables the total cap so long streaming responses are
			// never cut off mid-body; ResponseHeaderTimeout still bounds the
			// wait for the status line.
			Timeout: cfg.Upstream.RequestTimeout(),
		},
		logger:  logger,
		metrics: m,
	}, nil
}

// routeThroughProxy points the transport at the configured outbound proxy.
// HTTP(S) proxies use the transport's own proxy support; SOCKS5 replaces the
// dial function with a proxied dialer.
func routeThroughProxy(transport *http.Transport, proxyURL *url.URL, forward *tcpDialer) error {
	if proxyURL.Scheme != "socks5" {
		transport.Proxy = http.ProxyURL(proxyURL)
		return nil
	}

	var auth *xproxy.Auth
	if user := proxyURL.User; user != nil {
		password, _ := user.Password()
		auth = &xproxy.Auth{User: user.Username(), Password: password}
	}

	sd, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, forward)
	if err != nil {
		return fmt.Errorf("socks5 proxy %s: %w", proxyURL.Host, err)
	}
	if cd, ok := sd.(xproxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return sd.Dial(network, addr)
		}
	}
	return nil
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body.
func (c *UpstreamClient) Do(req *http.Request) (*model.RelayResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request whose body may be a live stream and returns the
// response body as a stream. The caller is responsible for closing the
// returned body. The provided context controls the lifetime of the upstream
// request: when it is canceled (e.g. the client disconnects), the upstream
// request is canceled too and the pooled connection is released.
// contentLength mirrors the inbound declared length; pass -1 when unknown so
// the transport uses chunked transfer encoding.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.RelayResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header
	if body != nil && contentLength >= 0 {
		req.ContentLength = contentLength
	}

	return c.Do(req)
}
