// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"rpc-bridge-go/internal/route"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/rpc-bridge/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the bridge itself and cannot host a mount path.
var reservedPaths = []string{"/healthz", "/status", "/page-data"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	Serve ServeCmd `cmd:"" default:"1" help:"Run the bridge server."`
	Call  CallCmd  `cmd:"" help:"Invoke a procedure on a running server."`
}

// ServeCmd runs the HTTP server.
type ServeCmd struct{}

// CallCmd invokes one procedure from outside any request.
type CallCmd struct {
	Procedure string `kong:"arg,help='Procedure path, e.g. greeting.'"`
	Input     string `kong:"help='JSON-encoded procedure input.'"`
	Mutation  bool   `kong:"help='Invoke as a mutation instead of a query.'"`
	Origin    string `kong:"help='Server origin (overrides client.origin).',env='RPC_ORIGIN'"`
	WebSocket bool   `kong:"name='ws',help='Use the WebSocket transport.'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	RPC       RPCConfig       `toml:"rpc"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Client    ClientConfig    `toml:"client"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// RPCConfig holds the mount paths of the RPC endpoints.
type RPCConfig struct {
	MountPath   string `toml:"mount_path"`   // served by the request bridge
	AdapterPath string `toml:"adapter_path"` // served by the direct adapter route
}

// WebSocketConfig holds long-lived connection settings.
type WebSocketConfig struct {
	Enabled        *bool    `toml:"enabled"`
	ReadLimitBytes int64    `toml:"read_limit_bytes"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// ClientConfig holds settings of the outbound RPC client used outside requests.
type ClientConfig struct {
	Origin          string `toml:"origin"`
	URL             string `toml:"url"`
	BatchWindowMS   int    `toml:"batch_window_ms"`
	MaxBatchSize    int    `toml:"max_batch_size"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
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

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/rpc-bridge/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
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
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.Call.Origin != "" {
		c.Client.Origin = cli.Call.Origin
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.WebSocket.ReadLimitBytes < 0 {
		return fmt.Errorf("websocket.read_limit_bytes must be non-negative; got %d", c.WebSocket.ReadLimitBytes)
	}
	if c.Client.BatchWindowMS < 0 {
		return fmt.Errorf("client.batch_window_ms must be non-negative; got %d", c.Client.BatchWindowMS)
	}
	if c.Client.MaxBatchSize < 0 {
		return fmt.Errorf("client.max_batch_size must be non-negative; got %d", c.Client.MaxBatchSize)
	}
	if c.Client.TimeoutSeconds < 0 {
		return fmt.Errorf("client.timeout_seconds must be non-negative; got %d", c.Client.TimeoutSeconds)
	}
	if c.Client.IdleConnections < 0 {
		return fmt.Errorf("client.idle_connections must be non-negative; got %d", c.Client.IdleConnections)
	}

	// Mount paths.
	if err := validateMount("rpc.mount_path", c.RPC.MountPath); err != nil {
		return err
	}
	if err := validateMount("rpc.adapter_path", c.RPC.AdapterPath); err != nil {
		return err
	}
	if c.RPC.MountPath != "" && c.RPC.MountPath == c.RPC.AdapterPath {
		return fmt.Errorf("rpc.mount_path and rpc.adapter_path must differ; both are %q", c.RPC.MountPath)
	}
	if c.Client.URL != "" {
		if _, err := route.Parse(c.Client.URL); err != nil {
			return fmt.Errorf("client.url: %w", err)
		}
	}

	// Client origin: absolute http(s) URL without a path.
	if c.Client.Origin != "" {
		u, err := url.Parse(c.Client.Origin)
		if err != nil {
			return fmt.Errorf("client.origin is not a valid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("client.origin must use http or https; got %q", c.Client.Origin)
		}
		if u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("client.origin must be scheme://host[:port]; got %q", c.Client.Origin)
		}
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range append(reservedPaths, c.RPC.MountPath, c.RPC.AdapterPath) {
			if reserved == "" {
				continue
			}
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validateMount(field, p string) error {
	if p == "" {
		return nil // default applied later
	}
	if _, err := route.Parse(p); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	for _, reserved := range reservedPaths {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("%s %q conflicts with reserved route %q", field, p, reserved)
		}
	}
	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Setting port=0 in
// the config file therefore results in the default port (8000).
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.RPC.MountPath == "" {
		c.RPC.MountPath = "/trpc"
	}
	if c.RPC.AdapterPath == "" {
		c.RPC.AdapterPath = "/api/trpc"
	}
	if c.WebSocket.Enabled == nil {
		enabled := true
		c.WebSocket.Enabled = &enabled
	}
	if c.WebSocket.ReadLimitBytes == 0 {
		c.WebSocket.ReadLimitBytes = 1 << 20 // 1 MB
	}
	if c.Client.URL == "" {
		c.Client.URL = "/trpc"
	}
	if c.Client.TimeoutSeconds == 0 {
		c.Client.TimeoutSeconds = 30
	}
	if c.Client.IdleConnections == 0 {
		c.Client.IdleConnections = 100
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

// WebSocketEnabled reports whether the connection server should be created.
func (c *Config) WebSocketEnabled() bool {
	return c.WebSocket.Enabled == nil || *c.WebSocket.Enabled
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

// ListenOrigin returns the http origin of the listen address, with a
// wildcard host replaced by localhost.
func (c *ServerConfig) ListenOrigin() string {
	host := c.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Port)
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
