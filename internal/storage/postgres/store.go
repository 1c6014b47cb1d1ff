// Package postgres provides Postgres-backed site and sitemap persistence.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	SitesTable      string
	SitemapsTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// AutoMigrate creates the tables when they do not exist.
	AutoMigrate bool
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements crawler.Store on Postgres.
type Store struct {
	pool     pool
	sites    string
	sitemaps string
	now      func() time.Time
}

// New connects to Postgres using the provided config.
func New(ctx context.Context, cfg Config, clock crawler.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(p, cfg, clock)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config, clock crawler.Clock) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	sites := cfg.SitesTable
	if sites == "" {
		sites = "sites"
	}
	sitemaps := cfg.SitemapsTable
	if sitemaps == "" {
		sitemaps = "sitemaps"
	}
	for _, table := range []string{sites, sitemaps} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = func() time.Time { return clock.Now().UTC() }
	}
	return &Store{pool: p, sites: sites, sitemaps: sitemaps, now: now}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the site and sitemap tables if needed.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id            TEXT PRIMARY KEY,
	url           TEXT NOT NULL,
	sitemap_id    TEXT,
	sitemap_error TEXT,
	status        TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS %[2]s (
	id             TEXT PRIMARY KEY,
	site_id        TEXT NOT NULL,
	url            TEXT NOT NULL,
	status         TEXT NOT NULL,
	status_message TEXT NOT NULL DEFAULT '',
	progress       INTEGER NOT NULL DEFAULT 0,
	pages          JSONB,
	created_at     TIMESTAMPTZ NOT NULL,
	last_updated   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[2]s_url_status_idx ON %[2]s (url, status);
CREATE INDEX IF NOT EXISTS %[2]s_site_idx ON %[2]s (site_id, created_at DESC);`, s.sites, s.sitemaps)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CreateSite inserts a site row. An empty status becomes idle.
func (s *Store) CreateSite(ctx context.Context, site crawler.SiteRecord) error {
	if site.Status == "" {
		site.Status = crawler.SiteStatusIdle
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = s.now()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, sitemap_id, sitemap_error, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.sites)
	_, err := s.pool.Exec(ctx, query,
		site.ID,
		site.URL,
		nullable(site.SitemapID),
		nullable(site.SitemapError),
		string(site.Status),
		site.CreatedAt,
		site.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert site: %w", err)
	}
	return nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (crawler.SiteRecord, error) {
	query := fmt.Sprintf(`
SELECT id, url, COALESCE(sitemap_id, ''), COALESCE(sitemap_error, ''), status, created_at, updated_at
FROM %s WHERE id = $1`, s.sites)
	var (
		site   crawler.SiteRecord
		status string
	)
	err := s.pool.QueryRow(ctx, query, siteID).Scan(
		&site.ID, &site.URL, &site.SitemapID, &site.SitemapError, &status, &site.CreatedAt, &site.UpdatedAt,
	)
	if err != nil {
		return crawler.SiteRecord{}, notFound(err, "site", siteID)
	}
	site.Status = crawler.SiteStatus(status)
	return site, nil
}

// MarkSiteProcessing clears the last error and flags the site as processing.
func (s *Store) MarkSiteProcessing(ctx context.Context, siteID string) error {
	query := fmt.Sprintf(`UPDATE %s SET sitemap_error = NULL, status = $2, updated_at = $3 WHERE id = $1`, s.sites)
	return s.execOne(ctx, "mark site processing", "site", siteID, query,
		siteID, string(crawler.SiteStatusProcessing), s.now())
}

// FailSite records a failure message and returns the site to idle.
func (s *Store) FailSite(ctx context.Context, siteID string, errText string) error {
	query := fmt.Sprintf(`UPDATE %s SET sitemap_error = $2, status = $3, updated_at = $4 WHERE id = $1`, s.sites)
	return s.execOne(ctx, "fail site", "site", siteID, query,
		siteID, errText, string(crawler.SiteStatusIdle), s.now())
}

// LinkSitemap points the site at an existing complete sitemap.
func (s *Store) LinkSitemap(ctx context.Context, siteID string, sitemapID string) error {
	query := fmt.Sprintf(`UPDATE %s SET sitemap_id = $2, sitemap_error = NULL, status = $3, updated_at = $4 WHERE id = $1`, s.sites)
	return s.execOne(ctx, "link sitemap", "site", siteID, query,
		siteID, sitemapID, string(crawler.SiteStatusComplete), s.now())
}

// CreateSitemap inserts a sitemap row.
func (s *Store) CreateSitemap(ctx context.Context, sm crawler.SitemapRecord) error {
	now := s.now()
	if sm.CreatedAt.IsZero() {
		sm.CreatedAt = now
	}
	if sm.LastUpdated.IsZero() {
		sm.LastUpdated = now
	}
	pages, err := marshalPages(sm.Pages)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, site_id, url, status, status_message, progress, pages, created_at, last_updated)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.sitemaps)
	_, err = s.pool.Exec(ctx, query,
		sm.ID,
		sm.SiteID,
		sm.URL,
		string(sm.Status),
		sm.StatusMessage,
		sm.Progress,
		pages,
		sm.CreatedAt,
		sm.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("insert sitemap: %w", err)
	}
	return nil
}

// GetSitemap fetches a sitemap including its pages.
func (s *Store) GetSitemap(ctx context.Context, sitemapID string) (crawler.SitemapRecord, error) {
	query := fmt.Sprintf(`
SELECT id, site_id, url, status, status_message, progress, pages, created_at, last_updated
FROM %s WHERE id = $1`, s.sitemaps)
	sm, err := scanSitemap(s.pool.QueryRow(ctx, query, sitemapID), true)
	if err != nil {
		return crawler.SitemapRecord{}, notFound(err, "sitemap", sitemapID)
	}
	return sm, nil
}

// UpdateSitemapMessage sets the human-readable status line.
func (s *Store) UpdateSitemapMessage(ctx context.Context, sitemapID string, message string) error {
	query := fmt.Sprintf(`UPDATE %s SET status_message = $2, last_updated = $3 WHERE id = $1`, s.sitemaps)
	return s.execOne(ctx, "update sitemap message", "sitemap", sitemapID, query, sitemapID, message, s.now())
}

// UpdateSitemapProgress sets the crawl percentage.
func (s *Store) UpdateSitemapProgress(ctx context.Context, sitemapID string, progress int) error {
	query := fmt.Sprintf(`UPDATE %s SET progress = $2, last_updated = $3 WHERE id = $1`, s.sitemaps)
	return s.execOne(ctx, "update sitemap progress", "sitemap", sitemapID, query, sitemapID, progress, s.now())
}

// DeleteSitemap removes a sitemap. Deleting a missing sitemap is not an error.
func (s *Store) DeleteSitemap(ctx context.Context, sitemapID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.sitemaps)
	if _, err := s.pool.Exec(ctx, query, sitemapID); err != nil {
		return fmt.Errorf("delete sitemap: %w", err)
	}
	return nil
}

// FindCompletedSitemap returns the most recently updated complete sitemap for url.
func (s *Store) FindCompletedSitemap(ctx context.Context, url string) (crawler.SitemapRecord, error) {
	query := fmt.Sprintf(`
SELECT id, site_id, url, status, status_message, progress, pages, created_at, last_updated
FROM %s WHERE url = $1 AND status = $2
ORDER BY last_updated DESC LIMIT 1`, s.sitemaps)
	sm, err := scanSitemap(s.pool.QueryRow(ctx, query, url, string(crawler.SitemapStatusComplete)), true)
	if err != nil {
		return crawler.SitemapRecord{}, notFound(err, "sitemap for", url)
	}
	return sm, nil
}

// ListSitemaps returns a site's sitemaps, newest first, without page lists.
// An empty siteID lists every sitemap; a non-positive limit means no limit.
func (s *Store) ListSitemaps(ctx context.Context, siteID string, limit, offset int) ([]crawler.SitemapRecord, error) {
	query := fmt.Sprintf(`
SELECT id, site_id, url, status, status_message, progress, created_at, last_updated
FROM %s WHERE ($1 = '' OR site_id = $1)
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3`, s.sitemaps)
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, query, siteID, limitArg, max(offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list sitemaps: %w", err)
	}
	defer rows.Close()

	out := make([]crawler.SitemapRecord, 0)
	for rows.Next() {
		sm, err := scanSitemap(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan sitemap: %w", err)
		}
		out = append(out, sm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sitemaps: %w", err)
	}
	return out, nil
}

// CommitSitemap writes the final page list and links the site in one
// transaction. Neither row changes unless both exist.
func (s *Store) CommitSitemap(ctx context.Context, req crawler.CommitRequest) (err error) {
	pages, err := marshalPages(req.Pages)
	if err != nil {
		return err
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	sitemapQuery := fmt.Sprintf(`
UPDATE %s SET pages = $2, status = $3, progress = 100, status_message = $4, last_updated = $5
WHERE id = $1`, s.sitemaps)
	tag, err := tx.Exec(ctx, sitemapQuery, req.SitemapID, pages,
		string(crawler.SitemapStatusComplete), crawler.MessageComplete, at)
	if err != nil {
		return fmt.Errorf("commit sitemap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commit sitemap %s: %w", req.SitemapID, crawler.ErrRecordNotFound)
	}

	siteQuery := fmt.Sprintf(`
UPDATE %s SET sitemap_id = $2, sitemap_error = NULL, status = $3, updated_at = $4
WHERE id = $1`, s.sites)
	tag, err = tx.Exec(ctx, siteQuery, req.SiteID, req.SitemapID, string(crawler.SiteStatusComplete), at)
	if err != nil {
		return fmt.Errorf("commit site: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commit site %s: %w", req.SiteID, crawler.ErrRecordNotFound)
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// RecoverStale idles sites stuck in processing since before cutoff and
// deletes their processing sitemaps in one transaction.
func (s *Store) RecoverStale(ctx context.Context, cutoff time.Time, errText string) (recovered int, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin recover: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	processing := string(crawler.SiteStatusProcessing)
	sitemapQuery := fmt.Sprintf(`
DELETE FROM %s WHERE status = $1
AND site_id IN (SELECT id FROM %s WHERE status = $2 AND updated_at < $3)`, s.sitemaps, s.sites)
	if _, err = tx.Exec(ctx, sitemapQuery, string(crawler.SitemapStatusProcessing), processing, cutoff); err != nil {
		return 0, fmt.Errorf("delete stale sitemaps: %w", err)
	}

	siteQuery := fmt.Sprintf(`
UPDATE %s SET sitemap_error = $1, status = $2, updated_at = $3
WHERE status = $4 AND updated_at < $5`, s.sites)
	tag, err := tx.Exec(ctx, siteQuery, errText, string(crawler.SiteStatusIdle), s.now(), processing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale sites: %w", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit recover: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) execOne(ctx context.Context, op, kind, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, crawler.ErrRecordNotFound)
	}
	return nil
}

func scanSitemap(row pgx.Row, withPages bool) (crawler.SitemapRecord, error) {
	var (
		sm     crawler.SitemapRecord
		status string
		pages  []byte
	)
	dest := []any{&sm.ID, &sm.SiteID, &sm.URL, &status, &sm.StatusMessage, &sm.Progress}
	if withPages {
		dest = append(dest, &pages)
	}
	dest = append(dest, &sm.CreatedAt, &sm.LastUpdated)
	if err := row.Scan(dest...); err != nil {
		return crawler.SitemapRecord{}, err
	}
	sm.Status = crawler.SitemapStatus(status)
	if len(pages) > 0 {
		if err := json.Unmarshal(pages, &sm.Pages); err != nil {
			return crawler.SitemapRecord{}, fmt.Errorf("decode pages: %w", err)
		}
	}
	return sm, nil
}

func marshalPages(pages []crawler.PageItem) ([]byte, error) {
	if pages == nil {
		return nil, nil
	}
	data, err := json.Marshal(pages)
	if err != nil {
		return nil, fmt.Errorf("marshal pages: %w", err)
	}
	return data, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, crawler.ErrRecordNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
