package sitemap

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

type fakeResponse struct {
	status  int
	body    []byte
	headers http.Header
	err     error
}

// fakeFetcher serves canned responses. A URL with several responses plays
// them in order and repeats the last one.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     map[string]int
	requests  []crawler.FetchRequest
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]fakeResponse),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) serve(url string, body string) *fakeFetcher {
	f.responses[url] = append(f.responses[url], fakeResponse{status: http.StatusOK, body: []byte(body)})
	return f
}

func (f *fakeFetcher) serveResponse(url string, resp fakeResponse) *fakeFetcher {
	if resp.status == 0 {
		resp.status = http.StatusOK
	}
	f.responses[url] = append(f.responses[url], resp)
	return f
}

func (f *fakeFetcher) fail(url string, status int) *fakeFetcher {
	f.responses[url] = append(f.responses[url], fakeResponse{status: status})
	return f
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	n := f.calls[req.URL]
	f.calls[req.URL] = n + 1
	queue, ok := f.responses[req.URL]
	if !ok || len(queue) == 0 {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: req.URL, StatusCode: http.StatusNotFound}
	}
	resp := queue[min(n, len(queue)-1)]
	if resp.err != nil {
		return crawler.FetchResponse{}, resp.err
	}
	if resp.status < 200 || resp.status > 299 {
		return crawler.FetchResponse{}, &crawler.StatusError{URL: req.URL, StatusCode: resp.status}
	}
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: resp.status,
		Headers:    resp.headers,
		Body:       resp.body,
	}, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	return cfg
}

func urlsetXML(entries ...string) string {
	out := `<?xml version="1.0" encoding="UTF-8"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for i := 0; i+1 < len(entries); i += 2 {
		out += "<url><loc>" + entries[i] + "</loc>"
		if entries[i+1] != "" {
			out += "<lastmod>" + entries[i+1] + "</lastmod>"
		}
		out += "</url>"
	}
	return out + "</urlset>"
}

func indexXML(locs ...string) string {
	out := `<?xml version="1.0" encoding="UTF-8"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, loc := range locs {
		out += "<sitemap><loc>" + loc + "</loc></sitemap>"
	}
	return out + "</sitemapindex>"
}
