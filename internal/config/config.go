// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/gemini-gateway/config.toml",
	"configs/config.toml",
}

// proxySchemes are the outbound proxy URL schemes the upstream client supports.
var proxySchemes = []interface{}{"http", "https", "socks5"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='GATEWAY_HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='GATEWAY_PORT'"`
	Target   string `kong:"short='t',help='Upstream target base URL (overrides config).',env='GATEWAY_TARGET'"`
	Proxy    string `kong:"help='Outbound proxy URL, http(s) or socks5 (overrides config).',env='GATEWAY_PROXY'"`
	Insecure bool   `kong:"help='Skip upstream TLS certificate verification (overrides config).',env='GATEWAY_INSECURE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='GATEWAY_LOG_LEVEL'"`
}

// Config is the top-level application configuration. It is constructed once
// at startup and treated as read-only afterwards; every relay shares the same
// instance without synchronization.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (3000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds the target origin and connection pool settings.
type UpstreamConfig struct {
	// TargetURL is the base URL every inbound request is relayed to.
	// Normalized at load time to carry no trailing slash.
	TargetURL string `toml:"target_url"`

	ConnectTimeoutSeconds  int `toml:"connect_timeout_seconds"`
	KeepAliveSeconds       int `toml:"keep_alive_seconds"`
	IdleConnTimeoutSeconds int `toml:"idle_conn_timeout_seconds"`
	MaxIdleConnsPerHost    int `toml:"max_idle_conns_per_host"`

	// ResponseHeaderTimeoutSeconds bounds the wait for the upstream status
	// line and headers. It does not limit how long the body may stream.
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`

	// RequestTimeoutSeconds is a total wall-clock cap on the whole exchange
	// including body transfer. It defaults to 0 (disabled): a nonzero value
	// truncates legitimate long-lived streaming responses.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`

	// DisableTCPNoDelay turns Nagle's algorithm back on for upstream
	// connections. Left off, small frames are written without coalescing.
	DisableTCPNoDelay bool `toml:"disable_tcp_no_delay"`
}

// ProxyConfig holds outbound proxy and TLS settings for upstream connections.
type ProxyConfig struct {
	// URL routes all upstream connections through an http(s) or socks5 proxy
	// when set. A malformed value is a fatal startup error.
	URL string `toml:"url"`

	// InsecureSkipVerify disables upstream TLS certificate verification.
	// Deliberate opt-in; always logged at startup.
	InsecureSkipVerify bool `toml:"insecure_skip_verify"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file (if any) and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/gemini-gateway/config.toml then configs/config.toml. A missing file is
// not an error — every field has a default and the gateway can run from flags
// and environment alone. A file that exists but fails to parse or validate is
// fatal.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.Target != "" {
		c.Upstream.TargetURL = cli.Target
	}
	if cli.Proxy != "" {
		c.Proxy.URL = cli.Proxy
	}
	if cli.Insecure {
		c.Proxy.InsecureSkipVerify = true
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server, validation.By(validateServer)),
		validation.Field(&c.Upstream, validation.By(validateUpstream)),
		validation.Field(&c.Proxy, validation.By(validateProxy)),
		validation.Field(&c.Log, validation.By(validateLog)),
		validation.Field(&c.Metrics, validation.By(validateMetrics)),
	)
}

func validateServer(value interface{}) error {
	sc, ok := value.(ServerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ServerConfig")
	}
	return validation.ValidateStruct(&sc,
		validation.Field(&sc.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&sc.BodyMaxBytes, validation.Min(int64(0))),
	)
}

func validateUpstream(value interface{}) error {
	uc, ok := value.(UpstreamConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
	}
	if uc.TargetURL != "" {
		u, err := url.Parse(uc.TargetURL)
		if err != nil {
			return validation.NewError("validation_target_url",
				fmt.Sprintf("upstream.target_url is not a valid URL: %v", err))
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return validation.NewError("validation_target_url",
				fmt.Sprintf("upstream.target_url must use http or https; got %q", uc.TargetURL))
		}
		if u.Host == "" {
			return validation.NewError("validation_target_url",
				fmt.Sprintf("upstream.target_url has no host: %q", uc.TargetURL))
		}
	}
	return validation.ValidateStruct(&uc,
		validation.Field(&uc.ConnectTimeoutSeconds, validation.Min(0)),
		validation.Field(&uc.KeepAliveSeconds, validation.Min(0)),
		validation.Field(&uc.IdleConnTimeoutSeconds, validation.Min(0)),
		validation.Field(&uc.MaxIdleConnsPerHost, validation.Min(0)),
		validation.Field(&uc.ResponseHeaderTimeoutSeconds, validation.Min(0)),
		validation.Field(&uc.RequestTimeoutSeconds, validation.Min(0)),
	)
}

func validateProxy(value interface{}) error {
	pc, ok := value.(ProxyConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProxyConfig")
	}
	if pc.URL == "" {
		return nil
	}
	u, err := url.Parse(pc.URL)
	if err != nil {
		return validation.NewError("validation_proxy_url",
			fmt.Sprintf("proxy.url is not a valid URL: %v", err))
	}
	if u.Host == "" {
		return validation.NewError("validation_proxy_url",
			fmt.Sprintf("proxy.url has no host: %q", pc.URL))
	}
	return validation.Validate(u.Scheme, validation.In(proxySchemes...).Error(
		fmt.Sprintf("proxy.url scheme must be one of http, https, socks5; got %q", u.Scheme)))
}

func validateLog(value interface{}) error {
	lc, ok := value.(LogConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a LogConfig")
	}
	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Level, validation.In("debug", "info", "warn", "error").Error(
			fmt.Sprintf("log.level must be one of: debug, info, warn, error; got %q", lc.Level))),
		validation.Field(&lc.Format, validation.In("json", "text").Error(
			fmt.Sprintf("log.format must be one of: json, text; got %q", lc.Format))),
	)
}

func validateMetrics(value interface{}) error {
	mc, ok := value.(MetricsConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
	}
	if !mc.Enabled || mc.Path == "" {
		return nil
	}
	if mc.Path[0] != '/' {
		return validation.NewError("validation_metrics_path",
			fmt.Sprintf("metrics.path must start with '/'; got %q", mc.Path))
	}
	for _, reserved := range []string{"/healthz", "/gateway/status"} {
		if mc.Path == reserved || strings.HasPrefix(mc.Path, reserved+"/") {
			return validation.NewError("validation_metrics_path",
				fmt.Sprintf("metrics.path %q conflicts with reserved route %q", mc.Path, reserved))
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults and normalizes
// the target URL. For integer fields, zero means "unset" because TOML cannot
// distinguish an explicit 0 from an omitted key — except
// RequestTimeoutSeconds, where 0 is the meaningful "no total timeout" value.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 32 * 1024 * 1024 // 32 MiB
	}
	if c.Upstream.TargetURL == "" {
		c.Upstream.TargetURL = "https://generativelanguage.googleapis.com"
	}
	c.Upstream.TargetURL = strings.TrimRight(c.Upstream.TargetURL, "/")
	if c.Upstream.ConnectTimeoutSeconds == 0 {
		c.Upstream.ConnectTimeoutSeconds = 10
	}
	if c.Upstream.KeepAliveSeconds == 0 {
		c.Upstream.KeepAliveSeconds = 30
	}
	if c.Upstream.IdleConnTimeoutSeconds == 0 {
		c.Upstream.IdleConnTimeoutSeconds = 90
	}
	if c.Upstream.MaxIdleConnsPerHost == 0 {
		c.Upstream.MaxIdleConnsPerHost = 50
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 30
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectTimeout returns the upstream dial timeout.
func (c *UpstreamConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// KeepAlive returns the TCP keep-alive probe interval for upstream connections.
func (c *UpstreamConfig) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSeconds) * time.Second
}

// IdleConnTimeout returns how long an unused pooled connection is kept open.
func (c *UpstreamConfig) IdleConnTimeout() time.Duration {
	return time.Duration(c.IdleConnTimeoutSeconds) * time.Second
}

// ResponseHeaderTimeout returns the time-to-first-byte bound for upstream responses.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return time.Duration(c.ResponseHeaderTimeoutSeconds) * time.Second
}

// RequestTimeout returns the total wall-clock cap for one upstream exchange,
// or zero when disabled.
func (c *UpstreamConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ProxyURL returns the parsed outbound proxy URL, or nil when none is
// configured. Load has already validated the value, so the error path only
// matters for configs built by hand in tests.
func (c *ProxyConfig) ProxyURL() (*url.URL, error) {
	if c.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	return u, nil
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
