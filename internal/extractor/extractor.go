// Package extractor pulls titles, links, and plain text out of fetched
// HTML. Parse errors are tolerated; callers get whatever could be read.
package extractor

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"webharvest/internal/urlutil"
)

// Title returns the first <title> text, or "No title" when absent.
func Title(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "No title"
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		return "No title"
	}
	return title
}

// MetaNoindex reports whether the document carries a
// <meta name="robots" content="...noindex..."> directive.
func MetaNoindex(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	blocked := false
	doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		name, _ := s.Attr("name")
		if !strings.EqualFold(strings.TrimSpace(name), "robots") {
			return true
		}
		content, _ := s.Attr("content")
		if strings.Contains(strings.ToLower(content), "noindex") {
			blocked = true
			return false
		}
		return true
	})
	return blocked
}

// Links extracts, resolves, and normalizes outbound links from anchors,
// skipping javascript:/mailto:/tel: and pure-fragment references. The
// canonical link, when declared, is included. Order is first-seen;
// duplicates are dropped.
func Links(body []byte, baseURL string) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var links []string
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			return
		}
		lower := strings.ToLower(raw)
		if strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") ||
			strings.HasPrefix(lower, "tel:") {
			return
		}
		resolved, ok := urlutil.Resolve(baseURL, raw)
		if !ok {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		links = append(links, resolved)
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			add(href)
		}
	})

	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok {
		add(canonical)
	}

	return links
}

// Text renders the document as whitespace-collapsed plain text, dropping
// script, style, and noscript subtrees.
func Text(body []byte) string {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			}
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)

	return strings.Join(strings.Fields(b.String()), " ")
}
