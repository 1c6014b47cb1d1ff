// Package staticrender implements crawler.Browser without JavaScript: pages
// are fetched with colly and queried with goquery. It suits sites whose
// title and meta tags are server-rendered and hosts without Chrome.
package staticrender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

var errNoDocument = errors.New("no document loaded")

// Config controls the collector shared by all sessions.
type Config struct {
	Timeout      time.Duration
	MaxBodyBytes int
}

// Browser hands out colly-backed sessions.
type Browser struct {
	base *colly.Collector
}

// New builds a Browser.
func New(cfg Config) *Browser {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	// Error pages still carry a title, as they do in a real browser.
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	}
	return &Browser{base: c}
}

// Open returns a new session. It never blocks.
func (b *Browser) Open(_ context.Context) (crawler.Session, error) {
	return &Session{base: b.base}, nil
}

// Close is a no-op; sessions share the collector's connection pool.
func (b *Browser) Close() error { return nil }

// Session holds the last visited document.
type Session struct {
	base *colly.Collector

	mu        sync.Mutex
	userAgent string
	doc       *goquery.Document
	status    int
	body      []byte
}

// SetUserAgent sets the User-Agent for subsequent visits.
func (s *Session) SetUserAgent(_ context.Context, userAgent string) error {
	s.mu.Lock()
	s.userAgent = userAgent
	s.mu.Unlock()
	return nil
}

// Visit fetches and parses rawURL. WaitUntil is irrelevant without scripts.
func (s *Session) Visit(ctx context.Context, rawURL string, opts crawler.VisitOptions) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	s.mu.Lock()
	s.doc = nil
	s.status = 0
	s.body = nil
	userAgent := s.userAgent
	s.mu.Unlock()

	collector := s.base.Clone()
	collector.Context = ctx
	if userAgent != "" {
		collector.UserAgent = userAgent
	}

	var (
		doc      *goquery.Document
		status   int
		body     []byte
		visitErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		status, body = r.StatusCode, r.Body
		reader, err := charset.NewReader(bytes.NewReader(r.Body), bodyContentType(r.Headers.Get("Content-Type")))
		if err != nil {
			visitErr = fmt.Errorf("decode body: %w", err)
			return
		}
		parsed, err := goquery.NewDocumentFromReader(reader)
		if err != nil {
			visitErr = fmt.Errorf("parse html: %w", err)
			return
		}
		doc = parsed
	})
	collector.OnError(func(_ *colly.Response, err error) {
		visitErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: visit %s", crawler.ErrTimeout, rawURL)
		}
		return fmt.Errorf("%w: visit %s: %v", crawler.ErrNavigation, rawURL, ctx.Err())
	case err := <-done:
		if visitErr == nil {
			visitErr = err
		}
	}
	if visitErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: visit %s: %v", crawler.ErrTimeout, rawURL, visitErr)
		}
		return fmt.Errorf("%w: visit %s: %v", crawler.ErrNavigation, rawURL, visitErr)
	}
	if doc == nil {
		return fmt.Errorf("%w: visit %s: %v", crawler.ErrNavigation, rawURL, errNoDocument)
	}
	s.mu.Lock()
	s.doc = doc
	s.status = status
	s.body = body
	s.mu.Unlock()
	return nil
}

// RawPage returns the status code and body of the last successful visit.
func (s *Session) RawPage() (int, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.body
}

// Title returns the whitespace-normalized text of the first <title>.
func (s *Session) Title(_ context.Context) (string, error) {
	doc, err := s.document()
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(doc.Find("title").First().Text()), " "), nil
}

// Attribute reads attr from the first element matching selector.
func (s *Session) Attribute(_ context.Context, selector, attr string) (string, bool, error) {
	doc, err := s.document()
	if err != nil {
		return "", false, err
	}
	value, ok := doc.Find(selector).First().Attr(attr)
	return value, ok, nil
}

// Close drops the loaded document.
func (s *Session) Close() error {
	s.mu.Lock()
	s.doc = nil
	s.body = nil
	s.mu.Unlock()
	return nil
}

func (s *Session) document() (*goquery.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return nil, errNoDocument
	}
	return s.doc, nil
}

// bodyContentType describes the body colly hands over. Colly has already
// transcoded to UTF-8 when the header names a charset; otherwise the
// document's own <meta charset> decides.
func bodyContentType(header string) string {
	if strings.Contains(strings.ToLower(header), "charset") {
		return "text/html; charset=utf-8"
	}
	return header
}
