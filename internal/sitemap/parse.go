package sitemap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/net/html/charset"
)

var (
	errMalformed   = errors.New("malformed sitemap document")
	errUnsupported = errors.New("unsupported sitemap root element")
)

type documentKind int

const (
	kindURLSet documentKind = iota + 1
	kindIndex
)

type urlEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type urlSet struct {
	URLs []urlEntry `xml:"url"`
}

type indexEntry struct {
	Loc     string `xml:"loc"`
	LastMod string `xml:"lastmod"`
}

type sitemapIndex struct {
	Sitemaps []indexEntry `xml:"sitemap"`
}

type document struct {
	kind     documentKind
	urls     []urlEntry
	children []indexEntry
}

// parseDocument decodes a urlset or sitemapindex, dispatching on the first
// root element. Namespaces are ignored. A charset named by contentType wins
// over the encoding declared in the XML prolog.
func parseDocument(data []byte, contentType string) (document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charsetReader(contentType)
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return document{}, fmt.Errorf("%w: no root element", errMalformed)
			}
			return document{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch strings.ToLower(start.Name.Local) {
		case "urlset":
			var set urlSet
			if err := dec.DecodeElement(&set, &start); err != nil {
				return document{}, fmt.Errorf("%w: urlset: %v", errMalformed, err)
			}
			return document{kind: kindURLSet, urls: set.URLs}, nil
		case "sitemapindex":
			var idx sitemapIndex
			if err := dec.DecodeElement(&idx, &start); err != nil {
				return document{}, fmt.Errorf("%w: sitemapindex: %v", errMalformed, err)
			}
			return document{kind: kindIndex, children: idx.Sitemaps}, nil
		default:
			return document{}, fmt.Errorf("%w: <%s>", errUnsupported, start.Name.Local)
		}
	}
}

func charsetReader(contentType string) func(string, io.Reader) (io.Reader, error) {
	_, params, err := mime.ParseMediaType(contentType)
	header := strings.TrimSpace(params["charset"])
	if err != nil || header == "" {
		return charset.NewReaderLabel
	}
	return func(_ string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(header, input)
	}
}
