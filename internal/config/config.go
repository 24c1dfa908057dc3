// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// defaultOriginWhitelist allows every origin.
var defaultOriginWhitelist = []string{".*"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config          string   `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host            string   `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port            int      `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel        string   `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	OriginWhitelist []string `kong:"name='origin-whitelist',help='Origin regex allowed to use the proxy; repeatable (overrides config).',env='ORIGIN_WHITELIST',sep='none'"`
	URLBlacklist    []string `kong:"name='url-blacklist',help='Target URL regex to block; repeatable (overrides config).',env='URL_BLACKLIST',sep='none'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Security  SecurityConfig  `toml:"security"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8080); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// UpstreamConfig holds outbound connection settings. The timeout bounds
// dialing and waiting for response headers only; bodies may stream forever.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// WebSocketConfig holds bridge settings.
type WebSocketConfig struct {
	HandshakeTimeoutSeconds int   `toml:"handshake_timeout_seconds"`
	ReadLimitBytes          int64 `toml:"read_limit_bytes"`
}

// SecurityConfig holds the origin whitelist and target blacklist patterns.
// A nil whitelist means "not configured" and defaults to allowing every origin.
type SecurityConfig struct {
	OriginWhitelist []string `toml:"origin_whitelist"`
	URLBlacklist    []string `toml:"url_blacklist"`
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
// /etc/cors-proxy/config.toml then configs/config.toml, and falls back to
// built-in defaults when neither exists.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.filePath = path
	return nil
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
	if len(cli.OriginWhitelist) > 0 {
		c.Security.OriginWhitelist = cli.OriginWhitelist
	}
	if len(cli.URLBlacklist) > 0 {
		c.Security.URLBlacklist = cli.URLBlacklist
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
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.WebSocket.HandshakeTimeoutSeconds < 0 {
		return fmt.Errorf("websocket.handshake_timeout_seconds must be non-negative; got %d", c.WebSocket.HandshakeTimeoutSeconds)
	}
	if c.WebSocket.ReadLimitBytes < 0 {
		return fmt.Errorf("websocket.read_limit_bytes must be non-negative; got %d", c.WebSocket.ReadLimitBytes)
	}

	// Security patterns.
	for _, p := range c.Security.OriginWhitelist {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("security.origin_whitelist: invalid pattern %q: %w", p, err)
		}
	}
	for _, p := range c.Security.URLBlacklist {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("security.url_blacklist: invalid pattern %q: %w", p, err)
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
		if p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, "/")
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.WebSocket.HandshakeTimeoutSeconds == 0 {
		c.WebSocket.HandshakeTimeoutSeconds = 15
	}
	if c.WebSocket.ReadLimitBytes == 0 {
		c.WebSocket.ReadLimitBytes = 16 * 1024 * 1024 // 16 MB
	}
	if c.Security.OriginWhitelist == nil {
		c.Security.OriginWhitelist = append([]string(nil), defaultOriginWhitelist...)
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

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
