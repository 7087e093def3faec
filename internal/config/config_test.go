package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	// Create a temporary config file
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "test_config.yaml")

	configContent := `
server:
  port: 9999
app:
  name: "albums"
  version: "42"
  origin: "http://localhost:5173"
  launch_assets: ["/", "/index.html"]
cache:
  backend: "memory"
  image_ttl: "24h"
routing:
  image_hosts: ["i.scdn.co"]
auth:
  enabled: true
  api_base_url: "http://localhost:5173/api"
  refresh_url: "http://localhost:5173/api/auth/refresh"
  exchange_urls:
    - "http://localhost:5173/api/auth/exchange"
    - "http://localhost:5173/api/auth/google"
`

	err := os.WriteFile(configFile, []byte(configContent), 0644)
	require.NoError(t, err)

	config, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, 9999, config.Server.Port)
	assert.Equal(t, "albums", config.App.Name)
	assert.Equal(t, "42", config.App.Version)
	assert.Equal(t, []string{"/", "/index.html"}, config.App.LaunchAssets)
	assert.Equal(t, "memory", config.Cache.Backend)
	assert.Equal(t, "24h", config.Cache.ImageTTL)
	assert.Equal(t, []string{"i.scdn.co"}, config.Routing.ImageHosts)
	assert.Len(t, config.Auth.ExchangeURLs, 2)

	// Keys absent from the file keep their defaults
	assert.Equal(t, "msgpack", config.Cache.Codec)
	assert.Equal(t, "/api/", config.Routing.APIPrefix)
	assert.Equal(t, "60s", config.Auth.InvalidationThrottle)
	assert.Equal(t, "local", config.Events.Backend)

	assert.NoError(t, config.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	tempDir := t.TempDir()
	configFile := filepath.Join(tempDir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("app:\n  version: \"1\"\n"), 0644))

	t.Setenv("OFFLINE_PROXY_APP_VERSION", "7")
	t.Setenv("OFFLINE_PROXY_API_KEY", "secret")
	t.Setenv("OFFLINE_PROXY_PORT", "9090")

	config, err := Load(configFile)
	require.NoError(t, err)

	assert.Equal(t, "7", config.App.Version)
	assert.Equal(t, "secret", config.Auth.APIKey)
	assert.Equal(t, 9090, config.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "invalid port",
			mutate:  func(c *Config) { c.Server.Port = -1 },
			wantErr: true,
		},
		{
			name:    "invalid image TTL",
			mutate:  func(c *Config) { c.Cache.ImageTTL = "invalid" },
			wantErr: true,
		},
		{
			name:    "invalid backend",
			mutate:  func(c *Config) { c.Cache.Backend = "invalid" },
			wantErr: true,
		},
		{
			name:    "redis backend without url",
			mutate:  func(c *Config) { c.Cache.Backend = "redis" },
			wantErr: true,
		},
		{
			name:    "invalid codec",
			mutate:  func(c *Config) { c.Cache.Codec = "gob" },
			wantErr: true,
		},
		{
			name:    "missing version",
			mutate:  func(c *Config) { c.App.Version = "" },
			wantErr: true,
		},
		{
			name:    "relative api prefix",
			mutate:  func(c *Config) { c.Routing.APIPrefix = "api" },
			wantErr: true,
		},
		{
			name:    "auth without refresh url",
			mutate:  func(c *Config) { c.Auth.Enabled = true; c.Auth.APIBaseURL = "http://x/api" },
			wantErr: true,
		},
		{
			name: "auth complete",
			mutate: func(c *Config) {
				c.Auth.Enabled = true
				c.Auth.APIBaseURL = "http://x/api"
				c.Auth.RefreshURL = "http://x/api/refresh"
			},
			wantErr: false,
		},
		{
			name:    "invalid events backend",
			mutate:  func(c *Config) { c.Events.Backend = "kafka" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := Default()
			tt.mutate(&config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetImageTTL(t *testing.T) {
	config := Config{
		Cache: CacheConfig{ImageTTL: "168h"},
	}

	ttl, err := config.GetImageTTL()
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, ttl)
}

func TestGetSyncIntervalDisabled(t *testing.T) {
	config := Default()
	interval, err := config.GetSyncInterval()
	require.NoError(t, err)
	assert.Zero(t, interval)
}
