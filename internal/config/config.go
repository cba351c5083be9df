// Package config loads runtime settings from the environment, an optional
// YAML settings file and the plugin selection file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the environment leaves a value unset
const (
	DefaultAppName         = "TeleNode"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultCacheTTL        = 300 * time.Second
	DefaultCacheMaxSize    = 1000
	DefaultRateLimitWindow = 60000 * time.Millisecond
	DefaultRateLimitMax    = 10
	DefaultHandlerTimeout  = 30000 * time.Millisecond
	DefaultDispatchWorkers = 64
	DefaultPort            = 8001
	DefaultPluginsFile     = "plugins.yaml"
)

// CacheSettings configures the authorization cache
type CacheSettings struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxSize int           `yaml:"max_size"`
}

// RateLimitSettings configures the per-user command limiter
type RateLimitSettings struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

// Config is the resolved runtime configuration
type Config struct {
	AppName    string
	Env        string
	LogLevel   string
	BotToken   string
	GatewayURL string
	Sudoers    []int64

	Cache           CacheSettings
	RateLimit       RateLimitSettings
	HandlerTimeout  time.Duration
	DispatchWorkers int

	Port         int
	StoreFile    string
	PluginsFile  string
	SettingsFile string
}

// IsDevelopment reports whether APP_ENV selects development mode
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Env, "development")
}

// settingsFile is the shape of the optional BOT_CONFIG YAML file. Only the
// fields present in the file override the environment.
type settingsFile struct {
	Cache *struct {
		TTL     *time.Duration `yaml:"ttl"`
		MaxSize *int           `yaml:"max_size"`
	} `yaml:"cache"`
	RateLimit *struct {
		Window *time.Duration `yaml:"window"`
		Max    *int           `yaml:"max"`
	} `yaml:"rate_limit"`
	HandlerTimeout  *time.Duration `yaml:"handler_timeout"`
	DispatchWorkers *int           `yaml:"dispatch_workers"`
}

// Load reads the configuration from the process environment and, when
// BOT_CONFIG is set, the YAML settings file it names.
func Load() (*Config, error) {
	return FromEnv(os.LookupEnv)
}

// FromEnv resolves the configuration through lookup
func FromEnv(lookup func(string) (string, bool)) (*Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := &Config{
		AppName:      get("APP_NAME", DefaultAppName),
		Env:          get("APP_ENV", DefaultEnv),
		LogLevel:     get("LOG_LEVEL", DefaultLogLevel),
		BotToken:     get("BOT_TOKEN", ""),
		GatewayURL:   get("GATEWAY_URL", ""),
		StoreFile:    get("STORE_FILE", ""),
		PluginsFile:  get("PLUGINS_FILE", DefaultPluginsFile),
		SettingsFile: get("BOT_CONFIG", ""),
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN environment variable must be set")
	}

	sudoers, err := parseIDs(get("BOT_SUDOERS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid BOT_SUDOERS: %w", err)
	}
	cfg.Sudoers = sudoers

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"CACHE_MAX_SIZE", DefaultCacheMaxSize, &cfg.Cache.MaxSize},
		{"RATE_LIMIT_MAX", DefaultRateLimitMax, &cfg.RateLimit.Max},
		{"DISPATCH_WORKERS", DefaultDispatchWorkers, &cfg.DispatchWorkers},
		{"APP_PORT", DefaultPort, &cfg.Port},
	}
	for _, f := range ints {
		n, err := strconv.Atoi(get(f.key, strconv.Itoa(f.def)))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", f.key, err)
		}
		*f.dest = n
	}

	durations := []struct {
		key  string
		unit time.Duration
		def  time.Duration
		dest *time.Duration
	}{
		{"CACHE_TTL", time.Second, DefaultCacheTTL, &cfg.Cache.TTL},
		{"RATE_LIMIT_WINDOW", time.Millisecond, DefaultRateLimitWindow, &cfg.RateLimit.Window},
		{"HANDLER_TIMEOUT", time.Millisecond, DefaultHandlerTimeout, &cfg.HandlerTimeout},
	}
	for _, f := range durations {
		raw := get(f.key, "")
		if raw == "" {
			*f.dest = f.def
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid %s: %q", f.key, raw)
		}
		*f.dest = time.Duration(n) * f.unit
	}

	if cfg.SettingsFile != "" {
		if err := cfg.applySettingsFile(cfg.SettingsFile); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applySettingsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}

	if s.Cache != nil {
		if s.Cache.TTL != nil {
			c.Cache.TTL = *s.Cache.TTL
		}
		if s.Cache.MaxSize != nil {
			c.Cache.MaxSize = *s.Cache.MaxSize
		}
	}
	if s.RateLimit != nil {
		if s.RateLimit.Window != nil {
			c.RateLimit.Window = *s.RateLimit.Window
		}
		if s.RateLimit.Max != nil {
			c.RateLimit.Max = *s.RateLimit.Max
		}
	}
	if s.HandlerTimeout != nil {
		c.HandlerTimeout = *s.HandlerTimeout
	}
	if s.DispatchWorkers != nil {
		c.DispatchWorkers = *s.DispatchWorkers
	}
	return nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a user id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
