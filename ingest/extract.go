package ingest

import (
	"bytes"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// Text is the indexable content of a file.
type Text struct {
	Title string
	Body  string
}

var (
	htmlExts  = map[string]bool{".html": true, ".htm": true, ".aspx": true}
	plainExts = map[string]bool{".txt": true, ".md": true, ".csv": true, ".json": true, ".xml": true}
)

// Supported reports whether Extract handles name. Other types are left to the
// search service's own indexer.
func Supported(name string) bool {
	ext := strings.ToLower(path.Ext(name))
	return htmlExts[ext] || plainExts[ext]
}

// Extract returns the text of an HTML or plain-text file.
func Extract(name string, data []byte) (*Text, error) {
	ext := strings.ToLower(path.Ext(name))
	switch {
	case htmlExts[ext]:
		return extractHTML(name, data)
	case plainExts[ext]:
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("%s is not valid UTF-8", name)
		}
		data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
		return &Text{Title: name, Body: strings.TrimSpace(string(data))}, nil
	default:
		return nil, fmt.Errorf("unsupported file type %q", ext)
	}
}

func extractHTML(name string, data []byte) (*Text, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = name
	}

	doc.Find("script, style, noscript, nav, header, footer").Remove()
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	var parts []string
	body.Find("h1, h2, h3, h4, h5, h6, p, li, td, th, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		// Only leaf blocks, so nested lists and tables are not repeated.
		if s.Find("p, li, td, th").Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	if len(parts) == 0 {
		if text := collapse(body.Text()); text != "" {
			parts = append(parts, text)
		}
	}

	return &Text{Title: title, Body: strings.Join(parts, "\n")}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
