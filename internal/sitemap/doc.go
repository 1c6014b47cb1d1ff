// Package sitemap discovers a site's sitemaps through robots.txt and the
// conventional /sitemap.xml location, fetches them with retries, expands
// sitemap indexes, and turns the result into a deduplicated, ranked list of
// page items.
package sitemap
