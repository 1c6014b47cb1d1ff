package sitemap

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

func TestDedupeKeepsFirstOccurrence(t *testing.T) {
	t.Parallel()

	in := []crawler.PageItem{
		{URL: "https://example.com/a", LastMod: "2024-01-01"},
		{URL: "https://example.com/b", LastMod: "2024-01-02"},
		{URL: "https://example.com/a", LastMod: "2024-09-09"},
		{URL: "https://example.com/A", LastMod: "2024-01-03"},
	}
	require.Equal(t, []crawler.PageItem{
		{URL: "https://example.com/a", LastMod: "2024-01-01"},
		{URL: "https://example.com/b", LastMod: "2024-01-02"},
		{URL: "https://example.com/A", LastMod: "2024-01-03"},
	}, Dedupe(in))
	require.Empty(t, Dedupe(nil))
}

func TestDedupeSelectProperties(t *testing.T) {
	t.Parallel()

	repeated := make([]crawler.PageItem, 0, 60)
	for i := range 60 {
		repeated = append(repeated, crawler.PageItem{
			URL:     fmt.Sprintf("https://example.com/%d", i%7),
			LastMod: fmt.Sprintf("2024-01-%02d", i%28+1),
		})
	}
	cases := []struct {
		name  string
		items []crawler.PageItem
		max   int
	}{
		{name: "empty", items: nil, max: 3},
		{name: "unique under bound", items: []crawler.PageItem{{URL: "a"}, {URL: "b", LastMod: "2024-01-01"}}, max: 5},
		{name: "duplicates over bound", items: repeated, max: 4},
		{name: "zero bound", items: repeated, max: 0},
		{name: "no bound", items: repeated, max: -1},
		{name: "mixed dates", items: []crawler.PageItem{
			{URL: "x", LastMod: "garbage"},
			{URL: "y", LastMod: "2022"},
			{URL: "x", LastMod: "2025-01-01"},
			{URL: "z", LastMod: "2024-03-04T05:06:07Z"},
		}, max: 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			once := Dedupe(tc.items)
			require.Equal(t, once, Dedupe(once))
			seen := make(map[string]bool, len(once))
			for _, item := range once {
				require.False(t, seen[item.URL], item.URL)
				seen[item.URL] = true
			}

			selected := Select(once, tc.max)
			want := len(once)
			if tc.max >= 0 {
				want = min(want, tc.max)
			}
			require.Len(t, selected, want)
			for _, item := range selected {
				require.Contains(t, once, item)
			}
			for i := 1; i < len(selected); i++ {
				prev, prevOK := ParseLastMod(selected[i-1].LastMod)
				cur, curOK := ParseLastMod(selected[i].LastMod)
				if curOK {
					require.True(t, prevOK, "dated item ranked after undated")
					require.False(t, cur.After(prev), "not newest first")
				}
			}
			require.Equal(t, selected, Select(selected, tc.max))
		})
	}
}

func TestSelectOrdersNewestFirst(t *testing.T) {
	t.Parallel()

	in := []crawler.PageItem{
		{URL: "old", LastMod: "2023-01-01"},
		{URL: "bad", LastMod: "yesterday"},
		{URL: "new", LastMod: "2024-06-01T10:00:00+00:00"},
		{URL: "mid", LastMod: "2024-01-01"},
		{URL: "empty", LastMod: ""},
	}
	got := Select(in, 10)
	require.Equal(t, []string{"new", "mid", "old", "bad", "empty"}, urlsOf(got))
}

func TestSelectTiesKeepInputOrder(t *testing.T) {
	t.Parallel()

	in := []crawler.PageItem{
		{URL: "first", LastMod: "2024-01-01"},
		{URL: "second", LastMod: "2024-01-01T00:00:00Z"},
		{URL: "third", LastMod: "2024-01-01"},
	}
	require.Equal(t, []string{"first", "second", "third"}, urlsOf(Select(in, 3)))
}

func TestSelectTruncates(t *testing.T) {
	t.Parallel()

	in := make([]crawler.PageItem, 0, 400)
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 400 {
		in = append(in, crawler.PageItem{
			URL:     fmt.Sprintf("https://example.com/%d", i),
			LastMod: base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
		})
	}
	got := Select(in, 300)
	require.Len(t, got, 300)
	require.Equal(t, "https://example.com/399", got[0].URL)
	require.Equal(t, "https://example.com/100", got[299].URL)

	require.Empty(t, Select(in, 0))
	require.Len(t, Select(in, -1), 400)
	require.Len(t, Select(in[:5], 300), 5)
}

func TestSelectDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	in := []crawler.PageItem{{URL: "a", LastMod: "2020-01-01"}, {URL: "b", LastMod: "2024-01-01"}}
	_ = Select(in, 2)
	require.Equal(t, "a", in[0].URL)
}

func TestParseLastMod(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"2024-05-01":                    true,
		"2024-05":                       true,
		"2024":                          true,
		"2024-05-01T10:30Z":             true,
		"2024-05-01T10:30:00+02:00":     true,
		"2024-05-01T10:30:00.123456Z":   true,
		"Wed, 01 May 2024 10:30:00 GMT": true,
		" 2024-05-01 ":                  true,
		"":                              false,
		"not a date":                    false,
	}
	for in, ok := range cases {
		_, got := ParseLastMod(in)
		require.Equal(t, ok, got, in)
	}
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	require.Equal(t, 200*time.Millisecond, p.Backoff(1))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
	require.Equal(t, 5*time.Second, p.Backoff(10))

	boom := fmt.Errorf("fetch: %w", crawler.ErrNetwork)
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(nil, 1))
	require.False(t, p.ShouldRetry(fmt.Errorf("wrapped: %w", context.Canceled), 1))
}

func urlsOf(items []crawler.PageItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.URL
	}
	return out
}
