package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adscale/sheetgate/internal/adminauth"
	"github.com/adscale/sheetgate/internal/batch"
	"github.com/adscale/sheetgate/internal/cache"
	"github.com/adscale/sheetgate/internal/config"
	"github.com/adscale/sheetgate/internal/pool"
	"github.com/adscale/sheetgate/internal/registry"
	"github.com/adscale/sheetgate/internal/sheeterr"
)

// Server holds the HTTP server dependencies: the admin/diagnostic surface
// over the Registry, Pool, Coordinator, and Cache (spec.md §5, §6).
type Server struct {
	Router *chi.Mux
	Logger *slog.Logger

	registry    *registry.Registry
	pool        *pool.Pool
	coordinator *batch.Coordinator
	cache       *cache.Cache
	admin       *adminauth.Verifier
	metricsReg  *prometheus.Registry
	startedAt   time.Time
}

// Deps bundles the components NewServer mounts routes against.
type Deps struct {
	Registry    *registry.Registry
	Pool        *pool.Pool
	Coordinator *batch.Coordinator
	Cache       *cache.Cache
	Admin       *adminauth.Verifier
	MetricsReg  *prometheus.Registry
}

// NewServer wires the health, metrics, and admin surface described in
// spec.md §5-§7. Every mutating admin route is guarded by the signed-request
// scheme in internal/adminauth.
func NewServer(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{
		Router:      chi.NewRouter(),
		Logger:      logger,
		registry:    deps.Registry,
		pool:        deps.Pool,
		coordinator: deps.Coordinator,
		cache:       deps.Cache,
		admin:       deps.Admin,
		metricsReg:  deps.MetricsReg,
		startedAt:   time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Admin-Signature", "X-Admin-Nonce", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.Router.Get("/health", s.handleHealth)
	s.Router.Handle("/admin/metrics", promhttp.HandlerFor(deps.MetricsReg, promhttp.HandlerOpts{}))

	s.Router.Route("/admin", func(r chi.Router) {
		r.Get("/pool/stats", s.handlePoolStats)
		r.Get("/pool/rate-limit/{tenantId}", s.handleRateLimit)
		r.Get("/batch/stats", s.handleBatchStats)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Get("/cache/tenant/{tenantId}", s.handleCacheTenantStats)

		r.With(s.requireSignedRequest("flush-batch")).Post("/batch/flush", s.handleBatchFlush)
		r.With(s.requireSignedRequest("invalidate-tenant")).Delete("/cache/tenant/{tenantId}", s.handleCacheTenantInvalidate)
		r.With(s.requireSignedRequest("upsert-tenant")).Post("/tenants", s.handleUpsertTenant)
		r.With(s.requireSignedRequest("remove-tenant")).Delete("/tenants/{tenantId}", s.handleRemoveTenant)
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Truncate(time.Second).String(),
	})
}

// requireSignedRequest guards a mutating admin route with the signed-request
// scheme (spec.md §6): the client supplies the nonce and signature via
// headers, the server recomputes the canonical string from the verified
// method/tenant/action and the request's own nonce.
func (s *Server) requireSignedRequest(action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.admin == nil {
				RespondError(w, sheeterr.New(sheeterr.CodeAdminUnauthorized, "admin signing is not configured"))
				return
			}

			nonce := r.Header.Get("X-Admin-Nonce")
			sig := r.Header.Get("X-Admin-Signature")
			tenantID := chi.URLParam(r, "tenantId")

			ok, err := s.admin.Verify(r.Context(), r.Method, tenantID, action, nonce, sig)
			if err != nil {
				RespondError(w, sheeterr.Wrap(sheeterr.CodeInvariantViolation, "admin nonce check failed", err))
				return
			}
			if !ok {
				RespondError(w, sheeterr.New(sheeterr.CodeAdminUnauthorized, "invalid or replayed admin signature"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.pool.Stats())
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if _, err := s.registry.Resolve(r.Context(), tenantID); err != nil {
		RespondError(w, sheeterr.Wrap(sheeterr.CodeTenantUnknown, "tenant not registered", err))
		return
	}

	stats := s.pool.Stats()
	for _, t := range stats.Tenants {
		if t.TenantID == tenantID {
			Respond(w, http.StatusOK, t)
			return
		}
	}
	Respond(w, http.StatusOK, pool.TenantStats{TenantID: tenantID})
}

func (s *Server) handleBatchStats(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.coordinator.Stats())
}

type flushRequest struct {
	TenantID string `json:"tenant_id"`
}

func (s *Server) handleBatchFlush(w http.ResponseWriter, r *http.Request) {
	var req flushRequest
	if r.ContentLength > 0 {
		if !DecodeAndValidate(w, r, &req) {
			return
		}
	}
	s.coordinator.FlushAll(req.TenantID)
	Respond(w, http.StatusOK, map[string]bool{"flushed": true})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleCacheTenantStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	stats := s.cache.Stats()
	Respond(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"entries":   stats.ByTenant[tenantID],
	})
}

func (s *Server) handleCacheTenantInvalidate(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	s.cache.InvalidateTenant(tenantID)
	Respond(w, http.StatusOK, map[string]bool{"invalidated": true})
}

// upsertTenantRequest is the admin body for POST /admin/tenants.
type upsertTenantRequest struct {
	TenantID string            `json:"tenant_id" validate:"required"`
	SheetRef string            `json:"sheet_ref" validate:"required"`
	Name     string            `json:"name"`
	Plan     string            `json:"plan" validate:"required,oneof=starter pro growth enterprise"`
	Enabled  bool              `json:"enabled"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (s *Server) handleUpsertTenant(w http.ResponseWriter, r *http.Request) {
	var req upsertTenantRequest
	if !DecodeAndValidate(w, r, &req) {
		return
	}

	t, err := s.registry.AddOrUpdate(r.Context(), req.TenantID, registry.Attrs{
		SheetRef: req.SheetRef,
		Name:     req.Name,
		Plan:     registry.Plan(req.Plan),
		Enabled:  req.Enabled,
		Metadata: req.Metadata,
	})
	if err != nil {
		RespondError(w, sheeterr.Wrap(sheeterr.CodeInvariantViolation, "upserting tenant failed", err))
		return
	}
	Respond(w, http.StatusOK, t)
}

func (s *Server) handleRemoveTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	if err := s.registry.Remove(r.Context(), tenantID); err != nil {
		RespondError(w, sheeterr.Wrap(sheeterr.CodeInvariantViolation, "removing tenant failed", err))
		return
	}
	Respond(w, http.StatusOK, map[string]bool{"removed": true})
}

// Shutdown flushes every pending batch before the caller closes listeners,
// so no buffered write is dropped on process exit.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.coordinator.FlushAll("")
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.Logger.Warn("shutdown flush did not complete before deadline")
	}
}
