package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adscale/sheetgate/internal/adminauth"
	"github.com/adscale/sheetgate/internal/batch"
	"github.com/adscale/sheetgate/internal/cache"
	"github.com/adscale/sheetgate/internal/config"
	"github.com/adscale/sheetgate/internal/eventbus"
	"github.com/adscale/sheetgate/internal/httpserver"
	"github.com/adscale/sheetgate/internal/platform"
	"github.com/adscale/sheetgate/internal/pool"
	"github.com/adscale/sheetgate/internal/registry"
	"github.com/adscale/sheetgate/internal/sheetsclient"
	"github.com/adscale/sheetgate/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting sheetgate", "listen", cfg.ListenAddr(), "registry_source", cfg.RegistrySource)

	bus := eventbus.New()

	source, closeSource, err := buildRegistrySource(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if closeSource != nil {
		defer closeSource()
	}

	reg, err := registry.New(ctx, source, bus, logger)
	if err != nil {
		return fmt.Errorf("loading tenant registry: %w", err)
	}

	client := buildDocumentClient(cfg, logger)

	p := pool.New(pool.Config{
		MaxGlobalConnections: cfg.MaxGlobalConnections,
		MaxPerTenant:         cfg.MaxConcurrentPerTenant,
		AcquireTimeout:       cfg.AcquireTimeout,
		WaiterHighWatermark:  cfg.WaiterHighWatermark,
		ConnectionTTL:        cfg.ConnectionTTL,
		SweepInterval:        cfg.SweepInterval,
		PerTenantMaxRequests: cfg.PerTenantMaxRequests,
		PerTenantWindow:      cfg.PerTenantWindow,
		DialRetryMaxElapsed:  cfg.DialRetryMaxElapsed,
		DialBackoffCap:       cfg.DialBackoffCap,
	}, reg, bus, client, logger)
	defer p.Close()

	coordinator := batch.New(batch.Config{
		BatchDelay:      cfg.BatchDelay,
		MaxBatchSize:    cfg.MaxBatchSize,
		MaxBatchWait:    cfg.MaxBatchWait,
		FlushBackoffCap: cfg.FlushBackoffCap,
	}, p, client, bus, logger)

	ch := cache.New(cache.Config{
		MaxSize:       cfg.CacheMaxSize,
		ShardCount:    cfg.CacheShardCount,
		FairnessSlack: cfg.FairnessSlack,
	}, bus, logger)

	warmer := cache.NewWarmer(cache.WarmConfig{
		Threshold: cfg.PredictionThreshold,
		Window:    cfg.PredictionWindow,
		BatchSize: cfg.WarmingBatchSize,
		Workers:   2,
	}, buildWarmLoader(p, client, logger), logger)
	defer warmer.Close()
	ch.SetWarmer(warmer)

	admin, err := buildAdminVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	srv := httpserver.NewServer(cfg, logger, httpserver.Deps{
		Registry:    reg,
		Pool:        p,
		Coordinator: coordinator,
		Cache:       ch,
		Admin:       admin,
		MetricsReg:  metricsReg,
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("sheetgate listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down sheetgate")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildRegistrySource selects the tenant source per cfg.RegistrySource,
// running migrations first when backed by Postgres. The returned close
// function (nil unless Postgres is used) closes the pool the source holds.
func buildRegistrySource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Source, func(), error) {
	switch cfg.RegistrySource {
	case "postgres":
		if err := platform.RunRegistryMigrations(cfg.DatabaseURL, cfg.MigrationsRegistry); err != nil {
			return nil, nil, fmt.Errorf("running registry migrations: %w", err)
		}
		dbPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to registry database: %w", err)
		}
		logger.Info("registry source: postgres")
		return registry.NewPostgresSource(dbPool), dbPool.Close, nil
	case "static":
		logger.Info("registry source: static (empty; use the admin API to register tenants)")
		return registry.NewStaticSource(nil), nil, nil
	default:
		logger.Info("registry source: file", "path", cfg.RegistryFilePath)
		return registry.NewFileSource(cfg.RegistryFilePath), nil, nil
	}
}

// buildDocumentClient wires the real Sheets API client when OAuth2
// credentials are configured, else falls back to the in-memory DevClient so
// the rest of the stack runs without live Google credentials.
func buildDocumentClient(cfg *config.Config, logger *slog.Logger) pool.DocumentClient {
	if cfg.SheetsOAuthClientID == "" || cfg.SheetsOAuthClientSecret == "" {
		logger.Warn("SHEETS_OAUTH_CLIENT_ID/SECRET not set, using in-memory DevClient (not for production)")
		return sheetsclient.NewDevClient()
	}
	logger.Info("document client: google sheets API", "base_url", cfg.SheetsAPIBaseURL)
	return sheetsclient.New(cfg.SheetsAPIBaseURL, cfg.SheetsOAuthTokenURL, cfg.SheetsOAuthClientID, cfg.SheetsOAuthClientSecret)
}

// buildAdminVerifier constructs the signed-request verifier. When
// AdminSigningSecret is unset the admin surface's mutating routes reject
// every request (see Server.requireSignedRequest), which is the safe
// default for a misconfigured deployment.
func buildAdminVerifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*adminauth.Verifier, error) {
	if cfg.AdminSigningSecret == "" {
		logger.Warn("ADMIN_SIGNING_SECRET not set, admin write endpoints will reject all requests")
		return nil, nil
	}

	var nonces adminauth.NonceStore
	if cfg.RedisURL != "" {
		rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to redis for admin nonce store: %w", err)
		}
		nonces = adminauth.NewRedisNonceStore(rdb)
		logger.Info("admin nonce store: redis")
	} else {
		nonces = adminauth.NewInMemoryNonceStore()
		logger.Info("admin nonce store: in-memory")
	}

	return adminauth.New(cfg.AdminSigningSecret, nonces, cfg.AdminNonceWindow), nil
}

// buildWarmLoader reads a predicted-hot (tenant, sheet title) pair: acquire
// a connection, ensure the sheet, list its rows. The rows are discarded; the
// loader does not store anything in the cache.
func buildWarmLoader(p *pool.Pool, client pool.DocumentClient, logger *slog.Logger) cache.WarmLoader {
	return func(ctx context.Context, tenantID, sheetTitle string) error {
		conn, err := p.Acquire(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("warm: acquiring connection for %s: %w", tenantID, err)
		}
		defer p.Release(ctx, conn, nil)

		sheet, err := client.EnsureSheet(ctx, conn.Handle, sheetTitle, nil)
		if err != nil {
			return fmt.Errorf("warm: ensuring sheet %s/%s: %w", tenantID, sheetTitle, err)
		}
		if _, err := client.GetRows(ctx, conn.Handle, sheet, ""); err != nil {
			return fmt.Errorf("warm: reading rows for %s/%s: %w", tenantID, sheetTitle, err)
		}
		logger.Debug("predictive warm completed", "tenant", tenantID, "sheet", sheetTitle)
		return nil
	}
}
