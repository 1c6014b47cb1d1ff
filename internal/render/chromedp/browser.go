// Package chromedprender renders pages in headless Chrome via chromedp. Each
// Session is a browser tab; the Chrome process is started on first use and
// shared by all tabs until Close.
package chromedprender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// ErrClosed is returned by Open after Close.
var ErrClosed = errors.New("browser closed")

// Config controls the Chrome process.
type Config struct {
	ExecPath  string
	Headful   bool
	NoSandbox bool
	// MaxTabs caps concurrently open sessions; zero means unbounded.
	MaxTabs int
}

// Browser implements crawler.Browser on top of a shared Chrome allocator.
type Browser struct {
	cfg    Config
	logger *zap.Logger
	tabs   chan struct{}

	mu            sync.Mutex
	closed        bool
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// New builds a Browser. Chrome is not launched until the first Open.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var tabs chan struct{}
	if cfg.MaxTabs > 0 {
		tabs = make(chan struct{}, cfg.MaxTabs)
	}
	return &Browser{cfg: cfg, logger: logger, tabs: tabs}, nil
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.cfg.Headful {
		opts = append(opts, chromedp.Flag("headless", false))
	} else {
		opts = append(opts, chromedp.Flag("headless", "new"))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ExecPath))
	}
	return opts
}

func (b *Browser) ensureStarted() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.browserCtx != nil {
		return b.browserCtx, nil
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.logger.Info("chrome started", zap.Bool("headful", b.cfg.Headful))
	return browserCtx, nil
}

// Open creates a new tab.
func (b *Browser) Open(ctx context.Context) (crawler.Session, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	browserCtx, err := b.ensureStarted()
	if err != nil {
		b.release()
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	stop := forwardCancel(ctx, tabCancel)
	err = chromedp.Run(tabCtx)
	stop()
	if err != nil {
		tabCancel()
		b.release()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	s := &Session{
		browser: b,
		ctx:     tabCtx,
		cancel:  tabCancel,
		meta:    newResponseMeta(),
	}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	return s, nil
}

// Close shuts Chrome down. Open sessions stop working.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.browserCancel != nil {
		b.browserCancel()
		b.allocCancel()
	}
	return nil
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.tabs == nil {
		return nil
	}
	select {
	case b.tabs <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("tab slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.tabs == nil {
		return
	}
	select {
	case <-b.tabs:
	default:
	}
}

// Session is one Chrome tab.
type Session struct {
	browser *Browser
	ctx     context.Context
	cancel  context.CancelFunc
	meta    *responseMeta
	once    sync.Once
}

// SetUserAgent overrides the tab's user agent for subsequent navigations.
func (s *Session) SetUserAgent(ctx context.Context, userAgent string) error {
	if userAgent == "" {
		return nil
	}
	runCtx, cancel := s.runContext(ctx, 0)
	defer cancel()
	if err := chromedp.Run(runCtx, emulation.SetUserAgentOverride(userAgent)); err != nil {
		return fmt.Errorf("set user-agent: %w", err)
	}
	return nil
}

// Visit navigates the tab and waits for the requested milestone.
func (s *Session) Visit(ctx context.Context, rawURL string, opts crawler.VisitOptions) error {
	runCtx, cancel := s.runContext(ctx, opts.Timeout)
	defer cancel()

	s.meta.reset()
	var action chromedp.Action
	switch opts.WaitUntil {
	case crawler.WaitLoad:
		action = chromedp.Navigate(rawURL)
	default:
		action = navigateDOMContentLoaded(rawURL)
	}
	if err := chromedp.Run(runCtx, action); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: visit %s: %v", crawler.ErrTimeout, rawURL, err)
		}
		return fmt.Errorf("%w: visit %s: %v", crawler.ErrNavigation, rawURL, err)
	}
	if status := s.meta.status(); status >= http.StatusBadRequest {
		s.browser.logger.Debug("page responded with error status",
			zap.String("url", rawURL),
			zap.Int("status", status),
		)
	}
	return nil
}

// Title returns document.title.
func (s *Session) Title(ctx context.Context) (string, error) {
	runCtx, cancel := s.runContext(ctx, 0)
	defer cancel()
	var title string
	if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return title, nil
}

type attributeResult struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

// Attribute reads an attribute of the first element matching selector
// without waiting for the element to appear.
func (s *Session) Attribute(ctx context.Context, selector, attr string) (string, bool, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return "", false, fmt.Errorf("encode selector: %w", err)
	}
	name, err := json.Marshal(attr)
	if err != nil {
		return "", false, fmt.Errorf("encode attribute: %w", err)
	}
	script := fmt.Sprintf(
		`(() => { const el = document.querySelector(%s); if (!el || !el.hasAttribute(%s)) return {found: false, value: ""}; return {found: true, value: el.getAttribute(%s)}; })()`,
		sel, name, name,
	)
	runCtx, cancel := s.runContext(ctx, 0)
	defer cancel()
	var res attributeResult
	if err := chromedp.Run(runCtx, chromedp.Evaluate(script, &res)); err != nil {
		return "", false, fmt.Errorf("read %s[%s]: %w", selector, attr, err)
	}
	return res.Value, res.Found, nil
}

// Close closes the tab and frees its slot. It is safe to call more than once.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.browser.release()
	})
	return nil
}

// runContext derives a context that carries the tab's executor but ends when
// ctx does, or after timeout when positive.
func (s *Session) runContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(s.ctx)
	}
	stop := forwardCancel(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func navigateDOMContentLoaded(rawURL string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		loaded := make(chan struct{})
		var once sync.Once
		listenCtx, stop := context.WithCancel(ctx)
		defer stop()
		chromedp.ListenTarget(listenCtx, func(ev any) {
			if _, ok := ev.(*page.EventDomContentEventFired); ok {
				once.Do(func() { close(loaded) })
			}
		})
		_, _, errorText, _, err := page.Navigate(rawURL).Do(ctx)
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		if errorText != "" {
			return fmt.Errorf("navigate: %s", errorText)
		}
		select {
		case <-loaded:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait domcontentloaded: %w", ctx.Err())
		}
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.code = 0
	m.mu.Unlock()
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.code
}
