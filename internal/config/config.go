// Package config handles TOML/YAML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/edgecompose/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the gateway itself and never composed.
var reservedRoutes = []string{"/healthz", "/compose/status"}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config      string `kong:"short='c',help='Path to TOML or YAML config file.',env='CONFIG_PATH'"`
	Host        string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port        int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel    string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	CacheEngine string `kong:"help='Cache engine: none|memory|redis|leveldb (overrides config).',env='CACHE_ENGINE'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server         ServerConfig                   `toml:"server" yaml:"server"`
	Upstream       UpstreamConfig                 `toml:"upstream" yaml:"upstream"`
	Log            LogConfig                      `toml:"log" yaml:"log"`
	Metrics        MetricsConfig                  `toml:"metrics" yaml:"metrics"`
	Cache          CacheConfig                    `toml:"cache" yaml:"cache"`
	CircuitBreaker *CircuitBreakerConfig          `toml:"circuit_breaker" yaml:"circuit_breaker"`
	Fragments      FragmentsConfig                `toml:"fragments" yaml:"fragments"`
	Interrogator   InterrogatorConfig             `toml:"interrogator" yaml:"interrogator"`
	Backends       []BackendConfig                `toml:"backends" yaml:"backends"`
	Rules          []RuleConfig                   `toml:"rules" yaml:"rules"`
	StatusHandlers map[string]StatusHandlerConfig `toml:"status_handlers" yaml:"status_handlers"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host" yaml:"host"`
	Port         int             `toml:"port" yaml:"port"` // 0 means "use default" (8000)
	BodyMaxBytes int64           `toml:"body_max_bytes" yaml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second" yaml:"requests_per_second"`
}

// UpstreamConfig holds connection pool settings shared by every backend and fragment call.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds" yaml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections" yaml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level" yaml:"level"`
	Format     string `toml:"format" yaml:"format"`
	File       string `toml:"file" yaml:"file"` // empty logs to stdout
	MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path" yaml:"path"`
}

// CacheConfig selects and tunes the fragment cache engine.
type CacheConfig struct {
	Engine     string        `toml:"engine" yaml:"engine"`
	MaxEntries int           `toml:"max_entries" yaml:"max_entries"`
	Coalesce   bool          `toml:"coalesce" yaml:"coalesce"`
	Redis      RedisConfig   `toml:"redis" yaml:"redis"`
	LevelDB    LevelDBConfig `toml:"leveldb" yaml:"leveldb"`
}

// RedisConfig holds the distributed cache connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr"`
	Password string `toml:"password" yaml:"password"`
	DB       int    `toml:"db" yaml:"db"`
	// StaleRetention is how long past its TTL an entry stays readable as stale.
	StaleRetention string `toml:"stale_retention" yaml:"stale_retention"`
	TimeoutMillis  int    `toml:"timeout_ms" yaml:"timeout_ms"`
}

// LevelDBConfig holds the local persistent cache settings.
type LevelDBConfig struct {
	Path string `toml:"path" yaml:"path"`
}

// CircuitBreakerConfig enables per-host circuit breaking. A nil config, or
// enabled = false, disables it.
type CircuitBreakerConfig struct {
	Enabled         *bool    `toml:"enabled" yaml:"enabled"` // nil means enabled
	Window          string   `toml:"window" yaml:"window"`
	Buckets         int      `toml:"buckets" yaml:"buckets"`
	VolumeThreshold int      `toml:"volume_threshold" yaml:"volume_threshold"`
	ErrorThreshold  *float64 `toml:"error_threshold" yaml:"error_threshold"` // percentage, 0–100; nil means 50
	IncludePath     bool     `toml:"include_path" yaml:"include_path"`
}

// IsEnabled reports whether the section turns circuit breaking on.
func (c *CircuitBreakerConfig) IsEnabled() bool {
	return c != nil && (c.Enabled == nil || *c.Enabled)
}

// FragmentsConfig holds defaults applied to every fragment directive.
type FragmentsConfig struct {
	DefaultTTL      string   `toml:"default_ttl" yaml:"default_ttl"`
	DefaultTimeout  string   `toml:"default_timeout" yaml:"default_timeout"`
	MaxConcurrency  int      `toml:"max_concurrency" yaml:"max_concurrency"`
	VariableHeaders []string `toml:"variable_headers" yaml:"variable_headers"`
	ForwardHeaders  []string `toml:"forward_headers" yaml:"forward_headers"`
}

// InterrogatorConfig controls how template variables are derived from requests.
type InterrogatorConfig struct {
	URLPatterns []string          `toml:"url_patterns" yaml:"url_patterns"`
	Query       []QueryMapping    `toml:"query" yaml:"query"`
	CDNURL      string            `toml:"cdn_url" yaml:"cdn_url"`
	Environment string            `toml:"environment" yaml:"environment"`
	Server      map[string]string `toml:"server" yaml:"server"`
}

// QueryMapping exposes the query parameter Key as the variable param:Name.
type QueryMapping struct {
	Key  string `toml:"key" yaml:"key"`
	Name string `toml:"name" yaml:"name"`
}

// BackendConfig describes one page shell backend.
type BackendConfig struct {
	Name               string            `toml:"name" yaml:"name"`
	Pattern            string            `toml:"pattern" yaml:"pattern"`
	Target             string            `toml:"target" yaml:"target"`
	TTL                string            `toml:"ttl" yaml:"ttl"`
	Timeout            string            `toml:"timeout" yaml:"timeout"`
	CacheKey           string            `toml:"cache_key" yaml:"cache_key"`
	NoCache            bool              `toml:"no_cache" yaml:"no_cache"`
	ContentTypes       []string          `toml:"content_types" yaml:"content_types"`
	PassThrough        bool              `toml:"pass_through" yaml:"pass_through"`
	QuietFailure       bool              `toml:"quiet_failure" yaml:"quiet_failure"`
	ReplaceOuter       bool              `toml:"replace_outer" yaml:"replace_outer"`
	Default            bool              `toml:"default" yaml:"default"`
	AddRequestHeaders  map[string]string `toml:"add_request_headers" yaml:"add_request_headers"`
	AddResponseHeaders map[string]string `toml:"add_response_headers" yaml:"add_response_headers"`
}

// RuleConfig is a declarative directive applied to elements matching Selector.
type RuleConfig struct {
	Selector     string `toml:"selector" yaml:"selector"`
	URL          string `toml:"url" yaml:"url"`
	CacheKey     string `toml:"cache_key" yaml:"cache_key"`
	TTL          string `toml:"ttl" yaml:"ttl"`
	Timeout      string `toml:"timeout" yaml:"timeout"`
	NoCache      bool   `toml:"no_cache" yaml:"no_cache"`
	Ignore404    bool   `toml:"ignore_404" yaml:"ignore_404"`
	ReplaceOuter bool   `toml:"replace_outer" yaml:"replace_outer"`
	Remove       bool   `toml:"remove" yaml:"remove"`
	StatsKey     string `toml:"stats_key" yaml:"stats_key"`
}

// StatusHandlerConfig binds an upstream status code to a named strategy.
type StatusHandlerConfig struct {
	Strategy string `toml:"strategy" yaml:"strategy"`
	Status   int    `toml:"status" yaml:"status"`
	Location string `toml:"location" yaml:"location"`
	Content  string `toml:"content" yaml:"content"`
}

// Load reads the config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/edgecompose/config.toml then configs/config.toml. Files ending in
// .yaml or .yml are decoded as YAML, everything else as TOML.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return cfg, nil
}

// Parse decodes raw config data. ext selects the format (".yaml"/".yml" or TOML).
// The result is neither validated nor defaulted.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
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
	if cli.CacheEngine != "" {
		c.Cache.Engine = cli.CacheEngine
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
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Fragments.MaxConcurrency < 0 {
		return fmt.Errorf("fragments.max_concurrency must be non-negative; got %d", c.Fragments.MaxConcurrency)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	switch strings.ToLower(c.Cache.Engine) {
	case "none", "memory", "redis", "leveldb", "":
		// valid
	default:
		return fmt.Errorf("cache.engine must be one of: none, memory, redis, leveldb; got %q", c.Cache.Engine)
	}

	if cb := c.CircuitBreaker; cb != nil {
		if t := cb.ErrorThreshold; t != nil && (*t < 0 || *t > 100) {
			return fmt.Errorf("circuit_breaker.error_threshold must be 0–100; got %v", *t)
		}
		if cb.VolumeThreshold < 0 || cb.Buckets < 0 {
			return fmt.Errorf("circuit_breaker thresholds must be non-negative")
		}
	}

	if err := c.validateBackends(); err != nil {
		return err
	}

	for i, p := range c.Interrogator.URLPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("interrogator.url_patterns[%d]: %w", i, err)
		}
	}

	for i, r := range c.Rules {
		if r.Selector == "" {
			return fmt.Errorf("rules[%d].selector is required", i)
		}
		if r.URL == "" && !r.Remove {
			return fmt.Errorf("rules[%d] needs a url unless remove = true", i)
		}
	}

	for code, h := range c.StatusHandlers {
		n, err := strconv.Atoi(code)
		if err != nil || n < 100 || n > 599 {
			return fmt.Errorf("status_handlers key %q is not an HTTP status code", code)
		}
		if h.Strategy == "" {
			return fmt.Errorf("status_handlers.%s.strategy is required", code)
		}
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func (c *Config) validateBackends() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one [[backends]] entry is required")
	}
	defaults := 0
	for i, b := range c.Backends {
		if b.Target == "" {
			return fmt.Errorf("backends[%d].target is required", i)
		}
		if b.Pattern == "" && !b.Default {
			return fmt.Errorf("backends[%d] needs a pattern unless default = true", i)
		}
		if b.Pattern != "" {
			if _, err := regexp.Compile(b.Pattern); err != nil {
				return fmt.Errorf("backends[%d].pattern: %w", i, err)
			}
		}
		if b.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one backend may set default = true; got %d", defaults)
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
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 1024 * 1024 // 1 MB
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Cache.Engine == "" {
		c.Cache.Engine = "memory"
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 10000
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Cache.Redis.StaleRetention == "" {
		c.Cache.Redis.StaleRetention = "1d"
	}
	if c.Cache.Redis.TimeoutMillis == 0 {
		c.Cache.Redis.TimeoutMillis = 200
	}
	if c.Cache.LevelDB.Path == "" {
		c.Cache.LevelDB.Path = "./data/cache"
	}
	if cb := c.CircuitBreaker; cb != nil {
		if cb.Window == "" {
			cb.Window = "10s"
		}
		if cb.Buckets == 0 {
			cb.Buckets = 10
		}
		if cb.VolumeThreshold == 0 {
			cb.VolumeThreshold = 10
		}
		if cb.ErrorThreshold == nil {
			def := 50.0
			cb.ErrorThreshold = &def
		}
	}
	if c.Fragments.DefaultTTL == "" {
		c.Fragments.DefaultTTL = "1m"
	}
	if c.Fragments.DefaultTimeout == "" {
		c.Fragments.DefaultTimeout = "1s"
	}
	if c.Fragments.MaxConcurrency == 0 {
		c.Fragments.MaxConcurrency = 16
	}
	if len(c.Fragments.ForwardHeaders) == 0 {
		c.Fragments.ForwardHeaders = []string{"Accept-Language", "Cookie", "X-Request-Id"}
	}
	if c.Interrogator.Environment == "" {
		c.Interrogator.Environment = "production"
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

// WarnPermissions logs a warning if the config file is readable by group or others.
// Redis passwords may live in the file.
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
