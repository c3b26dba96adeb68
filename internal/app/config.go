package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"

	"github.com/xenking/pricecompare/internal/catalogsync"
	"github.com/xenking/pricecompare/internal/persistence"
	"github.com/xenking/pricecompare/internal/remote"
	"github.com/xenking/pricecompare/internal/status"
)

const defaultAddr = "127.0.0.1:8787"

// Config holds the complete agent configuration, loadable from environment
// variables (PRICECOMPARE_ prefix, optionally from .env), flags, or YAML
// config files.
type Config struct {
	Addr        string `default:"127.0.0.1:8787" usage:"Local API listen address"`
	DataDir     string `default:"data" usage:"Directory of the key and object tier databases" flag:"data-dir"`
	DatabaseURL string `default:"" usage:"PostgreSQL URL; when set the object tier is stored in Postgres" flag:"database-url"`
	Remote      remote.Config
	Cache       CacheConfig
	Catalog     catalogsync.Config
	Workspace   persistence.Config
	Status      status.Config
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	MaxObjects      int           `default:"100" usage:"Maximum number of object tier entries"`
	CleanupInterval time.Duration `default:"30m" usage:"Period of the expired entry sweep"`
	MemoryJanitor   time.Duration `default:"1m"  usage:"Period of the memory tier expiry janitor"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers for the UI.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"0s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"10s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig reads .env if present, then loads configuration from the
// environment, flags and YAML files, and validates it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PRICECOMPARE",
		Files:     []string{"config.yaml", "/etc/pricecompare/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults honors the conventional PORT and DATABASE_URL
// variables when the prefixed ones are not set.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "127.0.0.1:" + port
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Remote.CatalogBaseURL == "" {
		return errors.New("catalog base URL is required: set PRICECOMPARE_REMOTE_CATALOG_BASE_URL")
	}
	if c.Remote.BackendEnabled && c.Remote.BackendURL == "" {
		return errors.New("backend URL is required when the backend is enabled")
	}
	if c.DatabaseURL == "" && c.DataDir == "" {
		return errors.New("data dir is required without a database URL")
	}
	if c.Cache.MaxObjects < 0 {
		return errors.Errorf("cache max objects must not be negative, got %d", c.Cache.MaxObjects)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"remote.fetch_timeout", c.Remote.FetchTimeout},
		{"remote.health_timeout", c.Remote.HealthTimeout},
		{"cache.cleanup_interval", c.Cache.CleanupInterval},
		{"catalog.ttl", c.Catalog.TTL},
		{"catalog.backup_ttl", c.Catalog.BackupTTL},
		{"catalog.freshness_window", c.Catalog.FreshnessWindow},
		{"catalog.resync_interval", c.Catalog.ResyncInterval},
		{"workspace.save_delay", c.Workspace.SaveDelay},
		{"workspace.ttl", c.Workspace.TTL},
		{"status.check_interval", c.Status.CheckInterval},
		{"status.check_cache_ttl", c.Status.CheckCacheTTL},
		{"status.session_sync_interval", c.Status.SessionSyncInterval},
		{"graceful.shutdown_timeout", c.Graceful.ShutdownTimeout},
	}
	for _, v := range durations {
		if v.d <= 0 {
			return errors.Errorf("%s must be positive, got %s", v.name, v.d)
		}
	}
	if c.Catalog.BackupTTL < c.Catalog.TTL {
		return errors.Errorf("catalog.backup_ttl %s is shorter than catalog.ttl %s", c.Catalog.BackupTTL, c.Catalog.TTL)
	}
	return nil
}
