package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration, loaded from environment variables.
type Config struct {
	// Server
	Host string `env:"SHEETGATE_HOST" envDefault:"0.0.0.0"`
	Port int    `env:"SHEETGATE_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// CORS
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	// Registry: tenant source. One of "static", "file", "postgres".
	RegistrySource   string `env:"REGISTRY_SOURCE" envDefault:"file"`
	RegistryFilePath string `env:"REGISTRY_FILE_PATH" envDefault:"tenants.json"`

	// Postgres-backed registry (only consulted when RegistrySource=="postgres").
	DatabaseURL         string `env:"DATABASE_URL"`
	MigrationsRegistry  string `env:"MIGRATIONS_REGISTRY_DIR" envDefault:"migrations/registry"`

	// Redis (optional — enables a distributed admin-nonce replay store).
	RedisURL string `env:"REDIS_URL"`

	// Admin surface
	AdminSigningSecret string        `env:"ADMIN_SIGNING_SECRET"`
	AdminNonceWindow   time.Duration `env:"ADMIN_NONCE_WINDOW" envDefault:"5m"`

	// Connection pool
	MaxGlobalConnections   int           `env:"POOL_MAX_GLOBAL_CONNECTIONS" envDefault:"500"`
	MaxConcurrentPerTenant int           `env:"POOL_MAX_CONCURRENT_PER_TENANT" envDefault:"4"`
	ConnectionTTL          time.Duration `env:"POOL_CONNECTION_TTL" envDefault:"10m"`
	AcquireTimeout         time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"10s"`
	SweepInterval          time.Duration `env:"POOL_SWEEP_INTERVAL" envDefault:"5s"`
	WaiterHighWatermark    int           `env:"POOL_WAITER_HIGH_WATERMARK" envDefault:"32"`
	DialRetryMaxElapsed    time.Duration `env:"POOL_DIAL_RETRY_MAX_ELAPSED" envDefault:"5s"`
	DialBackoffCap         time.Duration `env:"POOL_DIAL_BACKOFF_CAP" envDefault:"2s"`

	// Per-tenant rate limiting
	PerTenantMaxRequests int           `env:"RATE_PER_TENANT_MAX_REQUESTS" envDefault:"80"`
	PerTenantWindow      time.Duration `env:"RATE_PER_TENANT_WINDOW" envDefault:"100s"`

	// Batch coordinator
	BatchDelay    time.Duration `env:"BATCH_DELAY" envDefault:"100ms"`
	MaxBatchSize  int           `env:"BATCH_MAX_SIZE" envDefault:"50"`
	MaxBatchWait  time.Duration `env:"BATCH_MAX_WAIT" envDefault:"1s"`
	FlushBackoffCap time.Duration `env:"BATCH_FLUSH_BACKOFF_CAP" envDefault:"5s"`

	// Cache
	CacheMaxSize          int           `env:"CACHE_MAX_SIZE" envDefault:"100000"`
	CacheShardCount       int           `env:"CACHE_SHARD_COUNT" envDefault:"64"`
	ReadTTL               time.Duration `env:"CACHE_READ_TTL" envDefault:"60s"`
	WriteTTL              time.Duration `env:"CACHE_WRITE_TTL" envDefault:"10s"`
	ConfigTTL             time.Duration `env:"CACHE_CONFIG_TTL" envDefault:"300s"`
	PredictionThreshold   int           `env:"CACHE_PREDICTION_THRESHOLD" envDefault:"5"`
	PredictionWindow      time.Duration `env:"CACHE_PREDICTION_WINDOW" envDefault:"60s"`
	WarmingBatchSize      int           `env:"CACHE_WARMING_BATCH_SIZE" envDefault:"4"`
	FairnessSlack         float64       `env:"CACHE_FAIRNESS_SLACK" envDefault:"1.5"`

	// Sheets DocumentClient OAuth2 credentials (client-credentials flow against
	// the Google token endpoint). Optional — if unset, sheetsclient falls back
	// to an in-memory fake useful for local development and tests.
	SheetsOAuthClientID     string `env:"SHEETS_OAUTH_CLIENT_ID"`
	SheetsOAuthClientSecret string `env:"SHEETS_OAUTH_CLIENT_SECRET"`
	SheetsOAuthTokenURL     string `env:"SHEETS_OAUTH_TOKEN_URL" envDefault:"https://oauth2.googleapis.com/token"`
	SheetsAPIBaseURL        string `env:"SHEETS_API_BASE_URL" envDefault:"https://sheets.googleapis.com/v4"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// ListenAddr returns the address the HTTP server should listen on.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
