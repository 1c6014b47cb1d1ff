package sitemap

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// sitemapsFromRobots returns the Sitemap: declarations of a robots.txt body,
// resolved against robotsURL, in file order and without duplicates.
func sitemapsFromRobots(robotsURL string, body []byte) []string {
	var declared []string
	if data, err := robotstxt.FromBytes(body); err == nil && data != nil {
		declared = data.Sitemaps
	} else {
		// The parser rejects the whole file on any bad line.
		declared = scanSitemapLines(body)
	}
	base, _ := url.Parse(robotsURL)
	seen := make(map[string]struct{}, len(declared))
	out := make([]string, 0, len(declared))
	for _, raw := range declared {
		loc := strings.TrimSpace(raw)
		if loc == "" {
			continue
		}
		if base != nil {
			if ref, err := url.Parse(loc); err == nil {
				loc = base.ResolveReference(ref).String()
			}
		}
		if _, ok := seen[loc]; ok {
			continue
		}
		seen[loc] = struct{}{}
		out = append(out, loc)
	}
	return out
}

func scanSitemapLines(body []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "sitemap") {
			continue
		}
		out = append(out, strings.TrimSpace(value))
	}
	return out
}
