package content

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrNoCover is returned when an EPUB declares no usable cover image.
var ErrNoCover = errors.New("epub has no cover image")

// maxCoverSize bounds the decompressed cover read from an archive.
const maxCoverSize = 16 << 20

type epubContainer struct {
	Rootfiles []struct {
		FullPath  string `xml:"full-path,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"rootfiles>rootfile"`
}

type opfItem struct {
	ID         string `xml:"id,attr"`
	Href       string `xml:"href,attr"`
	MediaType  string `xml:"media-type,attr"`
	Properties string `xml:"properties,attr"`
}

type opfPackage struct {
	Meta []struct {
		Name    string `xml:"name,attr"`
		Content string `xml:"content,attr"`
	} `xml:"metadata>meta"`
	Items      []opfItem `xml:"manifest>item"`
	References []struct {
		Type string `xml:"type,attr"`
		Href string `xml:"href,attr"`
	} `xml:"guide>reference"`
}

// Cover is an image extracted from an EPUB.
type Cover struct {
	Data []byte
	MIME string
	Path string // archive path of the image
}

// ExtractCover locates the cover image of an EPUB archive. The OPF package
// is found through META-INF/container.xml; the cover is the manifest item
// with the cover-image property, else the item named by <meta name="cover">,
// else the first image referenced by the cover XHTML page.
func ExtractCover(data []byte) (*Cover, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := decodeXML(files, "META-INF/container.xml", &container); err != nil {
		return nil, err
	}
	var opfPath string
	for _, rf := range container.Rootfiles {
		if rf.MediaType == "" || rf.MediaType == "application/oebps-package+xml" {
			opfPath = rf.FullPath
			break
		}
	}
	if opfPath == "" {
		return nil, errors.New("epub container has no package document")
	}

	var pkg opfPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return nil, err
	}
	base := path.Dir(opfPath)

	if item := coverItem(&pkg); item != nil {
		return readCover(files, resolveHref(base, item.Href), item.MediaType)
	}

	page := coverPage(&pkg)
	if page == "" {
		return nil, ErrNoCover
	}
	pagePath := resolveHref(base, page)
	src, err := firstImage(files, pagePath)
	if err != nil {
		return nil, err
	}
	imgPath := resolveHref(path.Dir(pagePath), src)
	return readCover(files, imgPath, mediaTypeOf(&pkg, base, imgPath))
}

func coverItem(pkg *opfPackage) *opfItem {
	for i := range pkg.Items {
		for _, p := range strings.Fields(pkg.Items[i].Properties) {
			if p == "cover-image" {
				return &pkg.Items[i]
			}
		}
	}
	for _, m := range pkg.Meta {
		if m.Name != "cover" || m.Content == "" {
			continue
		}
		for i := range pkg.Items {
			if pkg.Items[i].ID == m.Content && isImage(pkg.Items[i].MediaType, pkg.Items[i].Href) {
				return &pkg.Items[i]
			}
		}
	}
	return nil
}

// coverPage returns the href of the XHTML cover page, if one is declared.
func coverPage(pkg *opfPackage) string {
	for _, r := range pkg.References {
		if r.Type == "cover" {
			return r.Href
		}
	}
	for _, it := range pkg.Items {
		if strings.Contains(strings.ToLower(it.ID), "cover") && strings.Contains(it.MediaType, "html") {
			return it.Href
		}
	}
	return ""
}

func mediaTypeOf(pkg *opfPackage, base, p string) string {
	for _, it := range pkg.Items {
		if resolveHref(base, it.Href) == p {
			return it.MediaType
		}
	}
	return ""
}

func isImage(mediaType, href string) bool {
	if strings.HasPrefix(mediaType, "image/") {
		return true
	}
	return strings.HasPrefix(mime.TypeByExtension(path.Ext(href)), "image/")
}

// firstImage returns the src of the first <img> (or SVG <image>) in an XHTML page.
func firstImage(files map[string]*zip.File, name string) (string, error) {
	raw, err := readFile(files, name, maxCoverSize)
	if err != nil {
		return "", err
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("parse cover page %s: %w", name, err)
	}

	var src string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if src != "" {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.Img:
				src = attr(n, "src")
			case n.DataAtom == atom.Image || n.Data == "image":
				if src = attr(n, "href"); src == "" {
					src = attr(n, "xlink:href")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if src == "" {
		return "", ErrNoCover
	}
	return src, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		name := a.Key
		if a.Namespace != "" {
			name = a.Namespace + ":" + a.Key
		}
		if name == key || a.Key == key {
			return a.Val
		}
	}
	return ""
}

func readCover(files map[string]*zip.File, name, mediaType string) (*Cover, error) {
	data, err := readFile(files, name, maxCoverSize)
	if err != nil {
		return nil, err
	}
	if mediaType == "" {
		mediaType = mime.TypeByExtension(path.Ext(name))
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("%w: %s is %q", ErrNoCover, name, mediaType)
	}
	return &Cover{Data: data, MIME: mediaType, Path: name}, nil
}

func resolveHref(base, href string) string {
	if u, err := url.PathUnescape(href); err == nil {
		href = u
	}
	href, _, _ = strings.Cut(href, "#")
	if strings.HasPrefix(href, "/") {
		return strings.TrimPrefix(path.Clean(href), "/")
	}
	return path.Clean(path.Join(base, href))
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	raw, err := readFile(files, name, 4<<20)
	if err != nil {
		return err
	}
	if err := xml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

func readFile(files map[string]*zip.File, name string, limit int64) ([]byte, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("epub entry %s missing", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("epub entry %s exceeds %d bytes", name, limit)
	}
	return data, nil
}
