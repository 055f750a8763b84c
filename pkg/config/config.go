// Package config loads the engine configuration from an optional YAML file
// with environment-variable overrides. Every field has a documented
// default so a bare `aaviondb` invocation works out of the box.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration record.
type Config struct {
	// DataDir is the storage root; everything else derives from it unless
	// overridden below.
	DataDir string `yaml:"data_dir"`

	// AdminSecret grants full REST access when supplied by a client. It is
	// ignored (cleared) unless it starts with '_' and is at least 8
	// characters long.
	AdminSecret string `yaml:"admin_secret"`

	// DefaultBrain is activated at bootstrap when no brain is selected.
	DefaultBrain string `yaml:"default_brain"`

	BackupsPath string `yaml:"backups_path"`
	ExportsPath string `yaml:"exports_path"`
	LogPath     string `yaml:"log_path"`

	// APIKeyLength is the number of random bytes in a generated token
	// (hex-encoded, so the printable token is twice as long).
	APIKeyLength int `yaml:"api_key_length"`

	// ResponseExports controls whether export bundles are returned inline
	// in the response envelope.
	ResponseExports bool `yaml:"response_exports"`
	// SaveExports controls whether export bundles are written to the
	// exports directory.
	SaveExports bool `yaml:"save_exports"`

	HTTP    HTTPConfig    `yaml:"http"`
	Cache   CacheConfig   `yaml:"cache"`
	Audit   AuditConfig   `yaml:"audit"`
	Otel    OtelConfig    `yaml:"observability"`
	Modules ModulesConfig `yaml:"modules"`
}

// HTTPConfig configures the REST adapter.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// PerIPRPS and PerIPBurst bound the outer token-bucket limiter that
	// runs before the security manager.
	PerIPRPS   int `yaml:"per_ip_rps"`
	PerIPBurst int `yaml:"per_ip_burst"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	// Enabled=false swaps in the null store.
	Enabled bool `yaml:"enabled"`
	// Backend is "file" or "redis".
	Backend   string `yaml:"backend"`
	Dir       string `yaml:"dir"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
}

// AuditConfig selects the command audit sink.
type AuditConfig struct {
	// Driver is "sqlite", "postgres" or "off".
	Driver string `yaml:"driver"`
	// DSN is the sqlite file path or postgres connection string.
	DSN string `yaml:"dsn"`
}

// OtelConfig configures the OpenTelemetry provider.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// ModulesConfig tunes module discovery.
type ModulesConfig struct {
	// DisableAutoload skips autoload modules entirely (diagnostics mode).
	DisableAutoload bool `yaml:"disable_autoload"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		DataDir:         "data",
		DefaultBrain:    "default",
		APIKeyLength:    24,
		ResponseExports: true,
		SaveExports:     false,
		HTTP: HTTPConfig{
			Addr:       ":8372",
			PerIPRPS:   50,
			PerIPBurst: 100,
		},
		Cache: CacheConfig{
			Enabled: true,
			Backend: "file",
		},
		Audit: AuditConfig{
			Driver: "sqlite",
		},
		Otel: OtelConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "aaviondb",
			Environment: "development",
			SampleRate:  1.0,
		},
	}
}

// Load reads the YAML file at path (if non-empty), applies environment
// overrides, validates, and returns the effective configuration.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.normalize()
	return cfg, nil
}

// applyEnv overrides fields from AAVIONDB_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("AAVIONDB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("AAVIONDB_ADMIN_SECRET"); v != "" {
		c.AdminSecret = v
	}
	if v := os.Getenv("AAVIONDB_DEFAULT_BRAIN"); v != "" {
		c.DefaultBrain = v
	}
	if v := os.Getenv("AAVIONDB_HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("AAVIONDB_LOG_PATH"); v != "" {
		c.LogPath = v
	}
	if v := os.Getenv("AAVIONDB_AUDIT_DRIVER"); v != "" {
		c.Audit.Driver = v
	}
	if v := os.Getenv("AAVIONDB_AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("AAVIONDB_REDIS_ADDR"); v != "" {
		c.Cache.Backend = "redis"
		c.Cache.RedisAddr = v
	}
	if v := os.Getenv("AAVIONDB_CACHE_ENABLED"); v != "" {
		c.Cache.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AAVIONDB_OTEL_ENABLED"); v != "" {
		c.Otel.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AAVIONDB_OTEL_ENDPOINT"); v != "" {
		c.Otel.Endpoint = v
	}
	if v := os.Getenv("AAVIONDB_API_KEY_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.APIKeyLength = n
		}
	}
}

// normalize clamps and validates loose fields. An admin secret that does
// not meet the policy is cleared, not rejected: the engine still runs, the
// bypass just stays off.
func (c *Config) normalize() {
	if c.AdminSecret != "" && !ValidAdminSecret(c.AdminSecret) {
		slog.Warn("admin_secret ignored: must start with '_' and be at least 8 characters")
		c.AdminSecret = ""
	}
	if c.APIKeyLength < 16 {
		c.APIKeyLength = 16
	}
	if c.DefaultBrain == "" {
		c.DefaultBrain = "default"
	}
	c.Audit.Driver = strings.ToLower(strings.TrimSpace(c.Audit.Driver))
	switch c.Audit.Driver {
	case "sqlite", "postgres", "off":
	default:
		c.Audit.Driver = "sqlite"
	}
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend != "redis" {
		c.Cache.Backend = "file"
	}
	if c.HTTP.PerIPRPS <= 0 {
		c.HTTP.PerIPRPS = 50
	}
	if c.HTTP.PerIPBurst <= 0 {
		c.HTTP.PerIPBurst = c.HTTP.PerIPRPS * 2
	}
	if c.Otel.SampleRate <= 0 || c.Otel.SampleRate > 1 {
		c.Otel.SampleRate = 1.0
	}
}

// ValidAdminSecret applies the admin-secret policy: leading underscore and
// a minimum length of 8.
func ValidAdminSecret(secret string) bool {
	return strings.HasPrefix(secret, "_") && len(secret) >= 8
}
