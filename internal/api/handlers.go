package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/processor"
)

const (
	defaultSitemapLimit = 50
	maxSitemapLimit     = 500
	maxBodyBytes        = 1 << 16
)

type createSiteRequest struct {
	URL string `json:"url"`
}

type siteResponse struct {
	Site   siteDTO `json:"site"`
	Linked bool    `json:"linked"`
	Queued bool    `json:"queued"`
}

// createSite handles POST /v1/sites. It returns 202 when a build was queued,
// 201 when the site was linked to an existing sitemap, 400 for invalid input,
// or 500 when the site could not be stored or queued.
func (s *Server) createSite(w http.ResponseWriter, r *http.Request) {
	var req createSiteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	res, err := s.trigger.CreateSite(ctx, req.URL)
	if err != nil {
		if errors.Is(err, processor.ErrInvalidURL) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("create site failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create site")
		return
	}
	status := http.StatusAccepted
	if res.Linked {
		status = http.StatusCreated
	}
	writeJSON(w, status, toSiteResponse(res))
}

// processSite handles POST /v1/sites/{site_id}/process: 202 when queued, 404
// for unknown sites, 409 while a build is already running.
func (s *Server) processSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	ctx, cancel := context.WithTimeout(r.Context(), triggerTimeout)
	defer cancel()

	res, err := s.trigger.Reprocess(ctx, siteID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, toSiteResponse(res))
	case errors.Is(err, crawler.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "site not found")
	case errors.Is(err, processor.ErrSiteBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("reprocess site failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to queue site")
	}
}

func (s *Server) getSite(w http.ResponseWriter, r *http.Request) {
	siteID := chi.URLParam(r, "site_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	site, err := s.records.GetSite(ctx, siteID)
	if err != nil {
		if errors.Is(err, crawler.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "site not found")
			return
		}
		s.logger.Error("get site failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load site")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": toSiteDTO(site)})
}

// getSitemap handles GET /v1/sitemaps/{sitemap_id}. The page list is included.
func (s *Server) getSitemap(w http.ResponseWriter, r *http.Request) {
	sitemapID := chi.URLParam(r, "sitemap_id")
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sm, err := s.records.GetSitemap(ctx, sitemapID)
	if err != nil {
		if errors.Is(err, crawler.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "sitemap not found")
			return
		}
		s.logger.Error("get sitemap failed", zap.String("sitemap_id", sitemapID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load sitemap")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sitemap": toSitemapDTO(sm, true)})
}

// listSitemaps handles GET /v1/sitemaps?site_id=&limit=&offset=.
func (s *Server) listSitemaps(w http.ResponseWriter, r *http.Request) {
	s.writeSitemapList(w, r, strings.TrimSpace(r.URL.Query().Get("site_id")))
}

func (s *Server) listSiteSitemaps(w http.ResponseWriter, r *http.Request) {
	s.writeSitemapList(w, r, chi.URLParam(r, "site_id"))
}

func (s *Server) writeSitemapList(w http.ResponseWriter, r *http.Request, siteID string) {
	limit, offset, err := parseLimitOffset(r, defaultSitemapLimit, maxSitemapLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	sitemaps, err := s.records.ListSitemaps(ctx, siteID, limit, offset)
	if err != nil {
		s.logger.Error("list sitemaps failed", zap.String("site_id", siteID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sitemaps")
		return
	}
	out := make([]sitemapDTO, 0, len(sitemaps))
	for _, sm := range sitemaps {
		out = append(out, toSitemapDTO(sm, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sitemaps": out})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type siteDTO struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Status       string    `json:"status"`
	SitemapID    string    `json:"sitemap_id,omitempty"`
	SitemapError string    `json:"sitemap_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type sitemapDTO struct {
	ID            string             `json:"id"`
	SiteID        string             `json:"site_id"`
	URL           string             `json:"url"`
	Status        string             `json:"status"`
	StatusMessage string             `json:"status_message"`
	Progress      int                `json:"progress"`
	PageCount     int                `json:"page_count,omitempty"`
	Pages         []crawler.PageItem `json:"pages,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	LastUpdated   time.Time          `json:"last_updated"`
}

func toSiteResponse(res processor.TriggerResult) siteResponse {
	return siteResponse{Site: toSiteDTO(res.Site), Linked: res.Linked, Queued: res.Queued}
}

func toSiteDTO(site crawler.SiteRecord) siteDTO {
	return siteDTO{
		ID:           site.ID,
		URL:          site.URL,
		Status:       string(site.Status),
		SitemapID:    site.SitemapID,
		SitemapError: site.SitemapError,
		CreatedAt:    site.CreatedAt,
		UpdatedAt:    site.UpdatedAt,
	}
}

func toSitemapDTO(sm crawler.SitemapRecord, withPages bool) sitemapDTO {
	dto := sitemapDTO{
		ID:            sm.ID,
		SiteID:        sm.SiteID,
		URL:           sm.URL,
		Status:        string(sm.Status),
		StatusMessage: sm.StatusMessage,
		Progress:      sm.Progress,
		CreatedAt:     sm.CreatedAt,
		LastUpdated:   sm.LastUpdated,
	}
	if withPages {
		dto.Pages = sm.Pages
		dto.PageCount = len(sm.Pages)
	}
	return dto
}
