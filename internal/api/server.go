// Package api exposes the HTTP interface for the sitemap indexer.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/config"
	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/metrics"
	"github.com/JakeFAU/sitemap-indexer/internal/processor"
)

const (
	defaultRequestTimeout = 30 * time.Second
	storeTimeout          = 3 * time.Second
	triggerTimeout        = 5 * time.Second
)

// SiteTrigger registers sites and queues sitemap builds. processor.Trigger
// satisfies it.
type SiteTrigger interface {
	CreateSite(ctx context.Context, rawURL string) (processor.TriggerResult, error)
	Reprocess(ctx context.Context, siteID string) (processor.TriggerResult, error)
}

// RecordReader is the read side of the document store.
type RecordReader interface {
	GetSite(ctx context.Context, siteID string) (crawler.SiteRecord, error)
	GetSitemap(ctx context.Context, sitemapID string) (crawler.SitemapRecord, error)
	ListSitemaps(ctx context.Context, siteID string, limit, offset int) ([]crawler.SitemapRecord, error)
}

// ReadinessCheck reports whether a downstream dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the trigger and the document store.
type Server struct {
	router  chi.Router
	trigger SiteTrigger
	records RecordReader
	checks  []ReadinessCheck
	timeout time.Duration
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	trigger SiteTrigger,
	records RecordReader,
	cfg config.Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		trigger: trigger,
		records: records,
		checks:  checks,
		timeout: storeTimeout,
		logger:  logger,
	}
	requestTimeout := cfg.Server.RequestTimeout()
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/sites", func(r chi.Router) {
			r.Post("/", s.createSite)
			r.Route("/{site_id}", func(r chi.Router) {
				r.Get("/", s.getSite)
				r.Post("/process", s.processSite)
				r.Get("/sitemaps", s.listSiteSitemaps)
			})
		})
		r.Route("/sitemaps", func(r chi.Router) {
			r.Get("/", s.listSitemaps)
			r.Get("/{sitemap_id}", s.getSitemap)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
