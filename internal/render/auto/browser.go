// Package autorender serves pages statically and falls back to a headless
// browser when the static document looks script-driven.
package autorender

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
	"github.com/JakeFAU/sitemap-indexer/internal/headless/detector"
)

var errNoVisit = errors.New("no page visited")

// Detector decides whether a static page needs a headless render.
type Detector interface {
	ShouldPromote(page detector.Page) bool
}

// rawPager is implemented by static sessions that keep the fetched body.
type rawPager interface {
	RawPage() (int, []byte)
}

// Browser pairs a static and a headless browser.
type Browser struct {
	static   crawler.Browser
	headless crawler.Browser
	detector Detector
	logger   *zap.Logger
}

// New builds a Browser. A nil detector uses the default heuristic.
func New(static, headless crawler.Browser, d Detector, logger *zap.Logger) *Browser {
	if d == nil {
		d = detector.NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Browser{static: static, headless: headless, detector: d, logger: logger}
}

// Open returns a session backed by a static session. The headless session is
// opened on the first promotion.
func (b *Browser) Open(ctx context.Context) (crawler.Session, error) {
	sess, err := b.static.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open static session: %w", err)
	}
	return &Session{browser: b, static: sess}, nil
}

// Close closes both browsers.
func (b *Browser) Close() error {
	return errors.Join(b.static.Close(), b.headless.Close())
}

// Session routes queries to whichever engine rendered the last page.
type Session struct {
	browser *Browser

	mu        sync.Mutex
	static    crawler.Session
	headless  crawler.Session
	active    crawler.Session
	userAgent string
}

// SetUserAgent applies to both engines.
func (s *Session) SetUserAgent(ctx context.Context, userAgent string) error {
	s.mu.Lock()
	s.userAgent = userAgent
	headless := s.headless
	s.mu.Unlock()
	if err := s.static.SetUserAgent(ctx, userAgent); err != nil {
		return fmt.Errorf("set static user agent: %w", err)
	}
	if headless != nil {
		if err := headless.SetUserAgent(ctx, userAgent); err != nil {
			return fmt.Errorf("set headless user agent: %w", err)
		}
	}
	return nil
}

// Visit loads rawURL statically and retries in the headless browser when the
// static fetch fails or the detector asks for promotion.
func (s *Session) Visit(ctx context.Context, rawURL string, opts crawler.VisitOptions) error {
	s.setActive(nil)
	staticErr := s.static.Visit(ctx, rawURL, opts)
	if staticErr == nil && !s.promote(ctx) {
		s.setActive(s.static)
		return nil
	}
	if ctx.Err() != nil {
		return staticErr
	}
	headless, err := s.headlessSession(ctx)
	if err != nil {
		if staticErr != nil {
			return staticErr
		}
		// The static document is still usable.
		s.browser.logger.Warn("headless session unavailable", zap.String("url", rawURL), zap.Error(err))
		s.setActive(s.static)
		return nil
	}
	s.browser.logger.Debug("promoting page to headless render",
		zap.String("url", rawURL), zap.Bool("static_failed", staticErr != nil))
	if err := headless.Visit(ctx, rawURL, opts); err != nil {
		return fmt.Errorf("headless visit: %w", err)
	}
	s.setActive(headless)
	return nil
}

// Title returns the title from the engine that rendered the last page.
func (s *Session) Title(ctx context.Context) (string, error) {
	active, err := s.current()
	if err != nil {
		return "", err
	}
	return active.Title(ctx)
}

// Attribute reads attr from the engine that rendered the last page.
func (s *Session) Attribute(ctx context.Context, selector, attr string) (string, bool, error) {
	active, err := s.current()
	if err != nil {
		return "", false, err
	}
	return active.Attribute(ctx, selector, attr)
}

// Close closes the static session and the headless one if it was opened.
func (s *Session) Close() error {
	s.mu.Lock()
	headless := s.headless
	s.headless, s.active = nil, nil
	s.mu.Unlock()
	errs := []error{s.static.Close()}
	if headless != nil {
		errs = append(errs, headless.Close())
	}
	return errors.Join(errs...)
}

func (s *Session) promote(ctx context.Context) bool {
	pager, ok := s.static.(rawPager)
	if !ok {
		return false
	}
	status, body := pager.RawPage()
	title, err := s.static.Title(ctx)
	if err != nil {
		return true
	}
	return s.browser.detector.ShouldPromote(detector.Page{StatusCode: status, Body: body, Title: title})
}

func (s *Session) headlessSession(ctx context.Context) (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.headless != nil {
		return s.headless, nil
	}
	sess, err := s.browser.headless.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open headless session: %w", err)
	}
	if s.userAgent != "" {
		if err := sess.SetUserAgent(ctx, s.userAgent); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("set headless user agent: %w", err)
		}
	}
	s.headless = sess
	return sess, nil
}

func (s *Session) setActive(sess crawler.Session) {
	s.mu.Lock()
	s.active = sess
	s.mu.Unlock()
}

func (s *Session) current() (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, errNoVisit
	}
	return s.active, nil
}
