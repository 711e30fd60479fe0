// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads authsvc configuration from defaults, an optional YAML
// file, the environment and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/authsvc/internal/auth"
	"github.com/holomush/authsvc/internal/logging"
	"github.com/holomush/authsvc/internal/xdg"
)

// EnvPrefix selects the environment variables mapped onto config keys.
// Nested keys use a double underscore: AUTHSVC_SERVER__ADDR sets server.addr.
const EnvPrefix = "AUTHSVC_"

// Environment variables read under their conventional names.
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvRedisURL    = "REDIS_URL"
)

// Config is the complete authsvc configuration.
type Config struct {
	// AppURL is the public application URL. Nil when unset, which selects
	// auth.DefaultAppURL.
	AppURL *string `koanf:"app_url" json:"app_url,omitempty" jsonschema:"description=Public application URL (NEXT_PUBLIC_APP_URL)"`

	// DeploymentHost is the platform-assigned hostname without scheme.
	DeploymentHost string `koanf:"deployment_host" json:"deployment_host,omitempty" jsonschema:"description=Deployment hostname without scheme (VERCEL_URL)"`

	// StrictOrigins rejects startup when neither AppURL nor DeploymentHost is set.
	StrictOrigins bool `koanf:"strict_origins" json:"strict_origins,omitempty" jsonschema:"description=Fail when no origin variables are set"`

	Server   ServerConfig   `koanf:"server" json:"server,omitempty"`
	Database DatabaseConfig `koanf:"database" json:"database,omitempty"`
	Redis    RedisConfig    `koanf:"redis" json:"redis,omitempty"`
	Auth     AuthConfig     `koanf:"auth" json:"auth,omitempty"`
	Log      LogConfig      `koanf:"log" json:"log,omitempty"`
}

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Addr            string `koanf:"addr" json:"addr,omitempty" jsonschema:"description=Auth API listen address"`
	MetricsAddr     string `koanf:"metrics_addr" json:"metrics_addr,omitempty" jsonschema:"description=Metrics and health listen address (empty disables)"`
	ShutdownTimeout string `koanf:"shutdown_timeout" json:"shutdown_timeout,omitempty" jsonschema:"description=Graceful shutdown timeout (Go duration)"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL      string `koanf:"url" json:"url,omitempty" jsonschema:"description=PostgreSQL connection URL (DATABASE_URL)"`
	MaxConns int32  `koanf:"max_conns" json:"max_conns,omitempty" jsonschema:"minimum=0"`
	MinConns int32  `koanf:"min_conns" json:"min_conns,omitempty" jsonschema:"minimum=0"`
}

// RedisConfig configures the optional session cache.
type RedisConfig struct {
	URL       string `koanf:"url" json:"url,omitempty" jsonschema:"description=Redis URL for the session cache (REDIS_URL); empty disables"`
	KeyPrefix string `koanf:"key_prefix" json:"key_prefix,omitempty"`
}

// AuthConfig holds session policy. Durations are Go duration strings.
type AuthConfig struct {
	SessionExpiresIn string `koanf:"session_expires_in" json:"session_expires_in,omitempty"`
	SessionUpdateAge string `koanf:"session_update_age" json:"session_update_age,omitempty"`
	CleanupInterval  string `koanf:"cleanup_interval" json:"cleanup_interval,omitempty" jsonschema:"description=Expired session cleanup interval; 0 disables"`

	// LogResetLinks logs password reset links instead of mailing them.
	// Password reset is disabled when false and no sender is wired.
	LogResetLinks bool `koanf:"log_reset_links" json:"log_reset_links,omitempty" jsonschema:"description=Log password reset links (development only)"`
}

// LogConfig configures logging.
type LogConfig struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// Defaults returns the built-in configuration values.
func Defaults() map[string]any {
	return map[string]any{
		"server.addr":             "127.0.0.1:3001",
		"server.metrics_addr":     "127.0.0.1:9100",
		"server.shutdown_timeout": "10s",
		"redis.key_prefix":        "authsvc:",
		"auth.session_expires_in": auth.DefaultSessionExpiresIn.String(),
		"auth.session_update_age": auth.DefaultSessionUpdateAge.String(),
		"auth.cleanup_interval":   "1h",
		"log.format":              logging.FormatJSON,
		"log.level":               "info",
	}
}

// envKeys maps unprefixed environment variables onto config keys.
var envKeys = map[string]string{
	auth.EnvAppURL:         "app_url",
	auth.EnvDeploymentHost: "deployment_host",
	EnvDatabaseURL:         "database.url",
	EnvRedisURL:            "redis.url",
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"app-url":         "app_url",
	"deployment-host": "deployment_host",
	"strict-origins":  "strict_origins",
	"addr":            "server.addr",
	"metrics-addr":    "server.metrics_addr",
	"database-url":    "database.url",
	"redis-url":       "redis.url",
	"log-format":      "log.format",
	"log-level":       "log.level",
}

// LoadOptions controls Load.
type LoadOptions struct {
	// File is an explicit config file. It must exist. When empty the XDG
	// config file is used if present.
	File string

	// Flags, when set, overrides keys for flags the user changed.
	Flags *pflag.FlagSet
}

// Load builds a Config and validates it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	for key, val := range Defaults() {
		if err := k.Set(key, val); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	path, err := resolveFile(opts.File)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_FILE_INVALID").With("file", path).Wrap(err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, flagKey), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").With("operation", "decode config").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", oops.Code("CONFIG_FILE_NOT_FOUND").With("file", explicit).Wrap(err)
		}
		return explicit, nil
	}
	path, err := xdg.ConfigFile()
	if err != nil {
		return "", nil //nolint:nilerr // no home directory means no default config file
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", nil
	} else if err != nil {
		return "", oops.Code("CONFIG_FILE_NOT_FOUND").With("file", path).Wrap(err)
	}
	return path, nil
}

func envKey(name, value string) (string, any) {
	if key, ok := envKeys[name]; ok {
		return key, value
	}
	rest, ok := strings.CutPrefix(name, EnvPrefix)
	if !ok || rest == "" {
		return "", nil
	}
	return strings.ReplaceAll(strings.ToLower(rest), "__", "."), value
}

func flagKey(f *pflag.Flag) (string, any) {
	key, ok := flagKeys[f.Name]
	if !ok || !f.Changed {
		return "", nil
	}
	return key, f.Value.String()
}

// RegisterFlags adds the config override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("app-url", "", "public application URL (overrides "+auth.EnvAppURL+")")
	fs.String("deployment-host", "", "deployment hostname without scheme (overrides "+auth.EnvDeploymentHost+")")
	fs.Bool("strict-origins", false, "fail when neither app URL nor deployment host is set")
	fs.String("addr", "", "auth API listen address")
	fs.String("metrics-addr", "", "metrics/health HTTP address (empty = disabled)")
	fs.String("database-url", "", "PostgreSQL URL (overrides "+EnvDatabaseURL+")")
	fs.String("redis-url", "", "Redis URL for the session cache (overrides "+EnvRedisURL+")")
	fs.String("log-format", "", "log format (json or text)")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
}

// Validate checks values that cannot be expressed by their types.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return oops.Code("CONFIG_INVALID").With("key", "server.addr").Errorf("server address is required")
	}
	if c.Log.Format != logging.FormatJSON && c.Log.Format != logging.FormatText {
		return oops.Code("CONFIG_INVALID").
			With("key", "log.format").
			Errorf("log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return oops.Code("CONFIG_INVALID").With("key", "log.level").Errorf("invalid log level %q", c.Log.Level)
	}
	if c.Database.MinConns < 0 || c.Database.MaxConns < 0 ||
		(c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns) {
		return oops.Code("CONFIG_INVALID").
			With("key", "database").
			Errorf("invalid pool size: min %d, max %d", c.Database.MinConns, c.Database.MaxConns)
	}
	for key, val := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"auth.session_expires_in": c.Auth.SessionExpiresIn,
		"auth.session_update_age": c.Auth.SessionUpdateAge,
		"auth.cleanup_interval":   c.Auth.CleanupInterval,
	} {
		if _, err := parseDuration(key, val); err != nil {
			return err
		}
	}
	if c.StrictOrigins && c.AppURL == nil && c.DeploymentHost == "" {
		return oops.Code("CONFIG_ORIGINS_MISSING").
			Errorf("strict origins: set %s or %s", auth.EnvAppURL, auth.EnvDeploymentHost)
	}
	return nil
}

// LookupEnv answers origin variable lookups from the loaded configuration.
// It satisfies auth.LookupFunc.
func (c *Config) LookupEnv(key string) (string, bool) {
	switch key {
	case auth.EnvAppURL:
		if c.AppURL == nil {
			return "", false
		}
		return *c.AppURL, true
	case auth.EnvDeploymentHost:
		return c.DeploymentHost, c.DeploymentHost != ""
	}
	return "", false
}

// TrustedOrigins returns the trusted-origin list for this configuration.
func (c *Config) TrustedOrigins() []string {
	return auth.TrustedOriginsFromEnv(c.LookupEnv)
}

// SessionOptions returns the parsed session lifetimes.
func (c *Config) SessionOptions() (auth.SessionOptions, error) {
	expiresIn, err := parseDuration("auth.session_expires_in", c.Auth.SessionExpiresIn)
	if err != nil {
		return auth.SessionOptions{}, err
	}
	updateAge, err := parseDuration("auth.session_update_age", c.Auth.SessionUpdateAge)
	if err != nil {
		return auth.SessionOptions{}, err
	}
	return auth.SessionOptions{ExpiresIn: expiresIn, UpdateAge: updateAge}, nil
}

// CleanupInterval returns the parsed cleanup interval. Zero disables cleanup.
func (c *Config) CleanupInterval() time.Duration {
	d, _ := parseDuration("auth.cleanup_interval", c.Auth.CleanupInterval) //nolint:errcheck // checked by Validate
	return d
}

// ShutdownTimeout returns the parsed graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	d, _ := parseDuration("server.shutdown_timeout", c.Server.ShutdownTimeout) //nolint:errcheck // checked by Validate
	return d
}

// parseDuration parses a Go duration. Empty means zero.
func parseDuration(key, val string) (time.Duration, error) {
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, oops.Code("CONFIG_INVALID").With("key", key).Wrap(err)
	}
	if d < 0 {
		return 0, oops.Code("CONFIG_INVALID").With("key", key).Errorf("%s cannot be negative", key)
	}
	return d, nil
}
