package sitemap

import "github.com/JakeFAU/sitemap-indexer/internal/crawler"

// Dedupe keeps the first occurrence of each exact URL, preserving order.
func Dedupe(items []crawler.PageItem) []crawler.PageItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]crawler.PageItem, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.URL]; ok {
			continue
		}
		seen[item.URL] = struct{}{}
		out = append(out, item)
	}
	return out
}
