package sitemap

import (
	"slices"
	"strings"
	"time"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// W3C datetime profiles accepted in <lastmod>, most specific first.
var lastModLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
	time.RFC1123Z,
	time.RFC1123,
}

// ParseLastMod parses a sitemap lastmod value.
func ParseLastMod(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range lastModLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Select orders items by lastmod, newest first, and keeps at most maxCount.
// Items whose lastmod does not parse rank after every dated item. Ties keep
// their input order. A negative maxCount disables truncation.
func Select(items []crawler.PageItem, maxCount int) []crawler.PageItem {
	type ranked struct {
		item  crawler.PageItem
		ts    time.Time
		dated bool
	}
	rows := make([]ranked, len(items))
	for i, item := range items {
		ts, ok := ParseLastMod(item.LastMod)
		rows[i] = ranked{item: item, ts: ts, dated: ok}
	}
	slices.SortStableFunc(rows, func(a, b ranked) int {
		switch {
		case a.dated && !b.dated:
			return -1
		case !a.dated && b.dated:
			return 1
		case !a.dated && !b.dated:
			return 0
		}
		return b.ts.Compare(a.ts)
	})
	if maxCount >= 0 && len(rows) > maxCount {
		rows = rows[:maxCount]
	}
	out := make([]crawler.PageItem, len(rows))
	for i, row := range rows {
		out[i] = row.item
	}
	return out
}
