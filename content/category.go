// Package content classifies media by declared MIME type and derives the
// thumbnail, cover and full addresses shown for each content id.
package content

import (
	"fmt"
	"mime"
	"strings"
)

// Category is the closed set of media kinds the gallery handles.
type Category uint8

const (
	Other Category = iota
	Image
	Video
	Document
	Ebook
	Text
)

const (
	mimeEPUB = "application/epub+zip"
	mimePDF  = "application/pdf"
)

// textTypes are the text-like types decoded to UTF-8 by the cache.
var textTypes = map[string]struct{}{
	"text/plain":         {},
	"text/markdown":      {},
	"text/x-markdown":    {},
	"application/json":   {},
	"text/json":          {},
	"text/html":          {},
	"text/csv":           {},
	"application/xml":    {},
	"text/xml":           {},
	"application/yaml":   {},
	"application/x-yaml": {},
	"text/yaml":          {},
	"text/x-yaml":        {},
}

// Classify maps a declared MIME type to its category. Parameters such as
// charset are ignored. The first matching rule wins: EPUB, PDF, image/*,
// video/*, the text set, then Other.
func Classify(mimeType string) Category {
	mt := MediaType(mimeType)
	switch {
	case mt == mimeEPUB:
		return Ebook
	case mt == mimePDF:
		return Document
	case strings.HasPrefix(mt, "image/"):
		return Image
	case strings.HasPrefix(mt, "video/"):
		return Video
	}
	if _, ok := textTypes[mt]; ok {
		return Text
	}
	return Other
}

// MediaType returns the lower-cased type/subtype of a MIME string.
func MediaType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// Charset returns the declared charset parameter, or "".
func Charset(mimeType string) string {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

func (c Category) String() string {
	switch c {
	case Image:
		return "image"
	case Video:
		return "video"
	case Document:
		return "document"
	case Ebook:
		return "ebook"
	case Text:
		return "text"
	default:
		return "other"
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Category) UnmarshalText(text []byte) error {
	for _, cand := range []Category{Other, Image, Video, Document, Ebook, Text} {
		if cand.String() == string(text) {
			*c = cand
			return nil
		}
	}
	return fmt.Errorf("unknown content category %q", text)
}
