package sitemap

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/JakeFAU/sitemap-indexer/internal/crawler"
)

// decodeBody gunzips a sitemap when compression is declared, either by a
// .gz path or a gzip content type, and the payload still carries the gzip
// magic bytes. The HTTP client may already have inflated it, in which case
// the body is used as is.
func decodeBody(loc string, resp crawler.FetchResponse, maxBytes int64) ([]byte, error) {
	if !gzipDeclared(loc, resp) || !isGzip(resp.Body) {
		return resp.Body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", errMalformed, err)
	}
	defer func() { _ = zr.Close() }()

	reader := io.Reader(zr)
	if maxBytes > 0 {
		reader = io.LimitReader(zr, maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip body: %v", errMalformed, err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: decompressed sitemap exceeds %d bytes", errMalformed, maxBytes)
	}
	return data, nil
}

func gzipDeclared(loc string, resp crawler.FetchResponse) bool {
	path := loc
	if u, err := url.Parse(loc); err == nil {
		path = u.Path
	}
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		return true
	}
	if resp.Headers == nil {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Headers.Get("Content-Type")), "gzip") ||
		strings.Contains(strings.ToLower(resp.Headers.Get("Content-Encoding")), "gzip")
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}
