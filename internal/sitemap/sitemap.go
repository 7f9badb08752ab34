// Package sitemap classifies and parses sitemap XML documents.
package sitemap

import (
	"bytes"
	"compress/gzip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Kind tags which variant a parsed Document holds.
type Kind int

// Document kinds.
const (
	KindURLSet Kind = iota + 1
	KindIndex
)

func (k Kind) String() string {
	switch k {
	case KindURLSet:
		return "urlset"
	case KindIndex:
		return "sitemapindex"
	default:
		return "unknown"
	}
}

var (
	// ErrMalformed is returned when the body is not well-formed XML.
	ErrMalformed = errors.New("malformed sitemap xml")
	// ErrUnknownDocument is returned when the root element is neither urlset nor sitemapindex.
	ErrUnknownDocument = errors.New("unknown sitemap document")
)

// Entry is one <url> element of a urlset. Optional fields are empty when absent.
type Entry struct {
	Loc        string
	LastMod    string
	ChangeFreq string
	Priority   string
}

// Document is the classified result of parsing a sitemap body.
// URLs is populated for KindURLSet, Sitemaps for KindIndex.
type Document struct {
	Kind     Kind
	URLs     []Entry
	Sitemaps []string
}

// IsIndex reports whether the document lists further sitemaps.
func (d Document) IsIndex() bool {
	return d.Kind == KindIndex
}

type xmlURLSet struct {
	URLs []xmlURL `xml:"url"`
}

type xmlURL struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type xmlSitemapIndex struct {
	Sitemaps []xmlSitemap `xml:"sitemap"`
}

type xmlSitemap struct {
	Loc string `xml:"loc"`
}

var gzipMagic = []byte{0x1f, 0x8b}

// Parse inflates gzip bodies, classifies the root element and decodes the document.
func Parse(body []byte) (Document, error) {
	raw, err := inflate(body)
	if err != nil {
		return Document{}, err
	}

	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.CharsetReader = charset.NewReaderLabel

	root, err := rootElement(dec)
	if err != nil {
		return Document{}, err
	}

	switch strings.ToLower(root.Name.Local) {
	case "urlset":
		var set xmlURLSet
		if err := dec.DecodeElement(&set, &root); err != nil {
			return Document{}, fmt.Errorf("%w: decode urlset: %v", ErrMalformed, err)
		}
		return Document{Kind: KindURLSet, URLs: convertURLs(set.URLs)}, nil
	case "sitemapindex":
		var idx xmlSitemapIndex
		if err := dec.DecodeElement(&idx, &root); err != nil {
			return Document{}, fmt.Errorf("%w: decode sitemapindex: %v", ErrMalformed, err)
		}
		return Document{Kind: KindIndex, Sitemaps: convertSitemaps(idx.Sitemaps)}, nil
	default:
		return Document{}, fmt.Errorf("%w: root element <%s>", ErrUnknownDocument, root.Name.Local)
	}
}

func inflate(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, gzipMagic) {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: open gzip: %v", ErrMalformed, err)
	}
	defer func() {
		_ = zr.Close()
	}()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate gzip: %v", ErrMalformed, err)
	}
	return out, nil
}

func rootElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, fmt.Errorf("%w: no root element", ErrMalformed)
			}
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func convertURLs(raw []xmlURL) []Entry {
	out := make([]Entry, 0, len(raw))
	for i := range raw {
		loc := strings.TrimSpace(raw[i].Loc)
		if loc == "" {
			continue
		}
		out = append(out, Entry{
			Loc:        loc,
			LastMod:    strings.TrimSpace(raw[i].LastMod),
			ChangeFreq: strings.TrimSpace(raw[i].ChangeFreq),
			Priority:   strings.TrimSpace(raw[i].Priority),
		})
	}
	return out
}

func convertSitemaps(raw []xmlSitemap) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		loc := strings.TrimSpace(s.Loc)
		if loc == "" {
			continue
		}
		out = append(out, loc)
	}
	return out
}
