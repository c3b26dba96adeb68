package app

import (
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFiles: true,
		SkipEnv:   true,
		SkipFlags: true,
	})
	require.NoError(t, loader.Load())
	return cfg
}

func TestConfig_Defaults(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, 24*time.Hour, cfg.Catalog.TTL)
	assert.Equal(t, 168*time.Hour, cfg.Catalog.BackupTTL)
	assert.Equal(t, 12*time.Hour, cfg.Catalog.FreshnessWindow)
	assert.Equal(t, 6*time.Hour, cfg.Catalog.ResyncInterval)
	assert.Equal(t, 2*time.Second, cfg.Workspace.SaveDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Workspace.RestoreDelay)
	assert.Equal(t, time.Hour, cfg.Workspace.TTL)
	assert.Equal(t, 5*time.Minute, cfg.Status.CheckInterval)
	assert.Equal(t, 10*time.Minute, cfg.Status.SessionSyncInterval)
	assert.Equal(t, 30*time.Second, cfg.Remote.FetchTimeout)
	assert.False(t, cfg.Remote.BackendEnabled)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing catalog url",
			mutate:  func(c *Config) { c.Remote.CatalogBaseURL = "" },
			wantErr: "catalog base URL is required",
		},
		{
			name:    "backend enabled without url",
			mutate:  func(c *Config) { c.Remote.BackendEnabled = true },
			wantErr: "backend URL is required",
		},
		{
			name:    "zero duration",
			mutate:  func(c *Config) { c.Workspace.SaveDelay = 0 },
			wantErr: "workspace.save_delay must be positive",
		},
		{
			name:    "backup shorter than ttl",
			mutate:  func(c *Config) { c.Catalog.BackupTTL = time.Hour },
			wantErr: "catalog.backup_ttl",
		},
		{
			name:    "no storage",
			mutate:  func(c *Config) { c.DataDir = "" },
			wantErr: "data dir is required",
		},
		{
			name:    "negative max objects",
			mutate:  func(c *Config) { c.Cache.MaxObjects = -1 },
			wantErr: "max objects",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_PlatformDefaults(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE_URL", "postgres://localhost/pricecompare")

	cfg := defaultConfig(t)
	cfg.applyPlatformDefaults()
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)
	assert.Equal(t, "postgres://localhost/pricecompare", cfg.DatabaseURL)

	cfg = defaultConfig(t)
	cfg.Addr = "0.0.0.0:1234"
	cfg.DatabaseURL = "postgres://explicit"
	cfg.applyPlatformDefaults()
	assert.Equal(t, "0.0.0.0:1234", cfg.Addr)
	assert.Equal(t, "postgres://explicit", cfg.DatabaseURL)
}
