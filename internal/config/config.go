package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	App     AppConfig     `yaml:"app"`
	Cache   CacheConfig   `yaml:"cache"`
	Routing RoutingConfig `yaml:"routing"`
	Auth    AuthConfig    `yaml:"auth"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port         int         `yaml:"port" env:"OFFLINE_PROXY_PORT"`
	SyncInterval string      `yaml:"sync_interval"`
	HTTPS        HTTPSConfig `yaml:"https"`
}

// HTTPSConfig controls TLS interception
type HTTPSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	CACertFile      string `yaml:"ca_cert_file"`
	CAKeyFile       string `yaml:"ca_key_file"`
	TransparentAddr string `yaml:"transparent_addr"`
}

// AppConfig describes the application the proxy fronts
type AppConfig struct {
	Name         string   `yaml:"name"`
	Version      string   `yaml:"version" env:"OFFLINE_PROXY_APP_VERSION"`
	Origin       string   `yaml:"origin" env:"OFFLINE_PROXY_APP_ORIGIN"`
	LaunchAssets []string `yaml:"launch_assets"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend    string `yaml:"backend"` // "disk", "memory" or "redis"
	Folder     string `yaml:"folder"`
	Codec      string `yaml:"codec"` // "msgpack", "cbor" or "http"
	ImageTTL   string `yaml:"image_ttl"`
	HotEntries int64  `yaml:"hot_entries"`
	RedisURL   string `yaml:"redis_url" env:"OFFLINE_PROXY_CACHE_REDIS_URL"`
	RedisKey   string `yaml:"redis_prefix"`
}

// RoutingConfig drives request classification
type RoutingConfig struct {
	APIPrefix       string   `yaml:"api_prefix"`
	ImageHosts      []string `yaml:"image_hosts"`
	ImageExtensions []string `yaml:"image_extensions"`
	BlockedSchemes  []string `yaml:"blocked_schemes"`
}

// AuthConfig contains the credential lifecycle configuration
type AuthConfig struct {
	Enabled              bool           `yaml:"enabled"`
	APIBaseURL           string         `yaml:"api_base_url"`
	RefreshURL           string         `yaml:"refresh_url"`
	ExchangeURLs         []string       `yaml:"exchange_urls"`
	APIKey               string         `yaml:"api_key" env:"OFFLINE_PROXY_API_KEY"`
	APIKeyHeader         string         `yaml:"api_key_header"`
	CookieFile           string         `yaml:"cookie_file"`
	InvalidationThrottle string         `yaml:"invalidation_throttle"`
	Identity             IdentityConfig `yaml:"identity"`
}

// IdentityConfig describes the federated identity session used for silent reauthentication
type IdentityConfig struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret" env:"OFFLINE_PROXY_IDP_CLIENT_SECRET"`
	TokenURL     string `yaml:"token_url"`
	RefreshToken string `yaml:"refresh_token" env:"OFFLINE_PROXY_IDP_REFRESH_TOKEN"`
}

// EventsConfig selects the broadcast channel implementation
type EventsConfig struct {
	Backend  string `yaml:"backend"` // "local" or "redis"
	RedisURL string `yaml:"redis_url" env:"OFFLINE_PROXY_EVENTS_REDIS_URL"`
	Channel  string `yaml:"channel"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level string `yaml:"level" env:"OFFLINE_PROXY_LOG_LEVEL"`
}

// Default returns the configuration used for any key absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		App: AppConfig{
			Name:    "app",
			Version: "1",
			Origin:  "http://localhost:3000",
		},
		Cache: CacheConfig{
			Backend:  "disk",
			Folder:   "./cache",
			Codec:    "msgpack",
			ImageTTL: "168h",
			RedisKey: "offline-proxy",
		},
		Routing: RoutingConfig{
			APIPrefix:       "/api/",
			ImageExtensions: []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif", ".ico"},
			BlockedSchemes:  []string{"chrome-extension", "moz-extension", "safari-extension"},
		},
		Auth: AuthConfig{
			APIKeyHeader:         "X-Api-Key",
			CookieFile:           "./session.yaml",
			InvalidationThrottle: "60s",
		},
		Events: EventsConfig{
			Backend: "local",
			Channel: "offline-proxy:events",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file, on top of the defaults,
// then applies environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := ParseEnv(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// ParseEnv applies environment variable overrides to target
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// GetImageTTL parses and returns the image freshness window
func (c *Config) GetImageTTL() (time.Duration, error) {
	return time.ParseDuration(c.Cache.ImageTTL)
}

// GetInvalidationThrottle parses and returns the credential invalidation broadcast window
func (c *Config) GetInvalidationThrottle() (time.Duration, error) {
	return time.ParseDuration(c.Auth.InvalidationThrottle)
}

// GetSyncInterval returns the periodic sync interval, zero when disabled
func (c *Config) GetSyncInterval() (time.Duration, error) {
	if c.Server.SyncInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Server.SyncInterval)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := c.GetSyncInterval(); err != nil {
		return fmt.Errorf("invalid sync interval format: %w", err)
	}

	if c.App.Name == "" {
		return fmt.Errorf("app name is required")
	}

	if c.App.Version == "" {
		return fmt.Errorf("app version is required")
	}

	if _, err := url.Parse(c.App.Origin); err != nil || c.App.Origin == "" {
		return fmt.Errorf("invalid app origin: %q", c.App.Origin)
	}

	if c.Cache.ImageTTL == "" {
		return fmt.Errorf("image TTL is required")
	}

	if _, err := c.GetImageTTL(); err != nil {
		return fmt.Errorf("invalid image TTL format: %w", err)
	}

	switch c.Cache.Backend {
	case "disk":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache backend must be 'disk', 'memory' or 'redis', got: %s", c.Cache.Backend)
	}

	switch c.Cache.Codec {
	case "msgpack", "cbor", "http":
	default:
		return fmt.Errorf("cache codec must be 'msgpack', 'cbor' or 'http', got: %s", c.Cache.Codec)
	}

	if !strings.HasPrefix(c.Routing.APIPrefix, "/") {
		return fmt.Errorf("routing api_prefix must start with '/', got: %q", c.Routing.APIPrefix)
	}

	switch c.Events.Backend {
	case "local":
	case "redis":
		if c.Events.RedisURL == "" {
			return fmt.Errorf("events redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("events backend must be 'local' or 'redis', got: %s", c.Events.Backend)
	}

	if c.Auth.Enabled {
		if c.Auth.APIBaseURL == "" {
			return fmt.Errorf("auth api_base_url is required")
		}
		if c.Auth.RefreshURL == "" {
			return fmt.Errorf("auth refresh_url is required")
		}
		if _, err := c.GetInvalidationThrottle(); err != nil {
			return fmt.Errorf("invalid invalidation throttle format: %w", err)
		}
	}

	return nil
}
