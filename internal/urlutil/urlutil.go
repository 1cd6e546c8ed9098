// Package urlutil normalizes and resolves crawl URLs. Two URLs address the
// same page for visited-set purposes iff their normalized forms are
// byte-equal.
package urlutil

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var errUnsupportedScheme = errors.New("unsupported scheme")

// Parse parses an absolute http(s) URL, rejecting other schemes and URLs
// without a host.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", raw, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, fmt.Errorf("%w %q", errUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q missing host", raw)
	}
	return u, nil
}

// IsHTTP reports whether raw is an absolute http or https URL.
func IsHTTP(raw string) bool {
	_, err := Parse(raw)
	return err == nil
}

// Normalize canonicalizes a URL string: scheme and host are lowercased, the
// fragment is removed, and a trailing slash on a non-root path is trimmed.
// The query string is preserved verbatim. Returns "" for invalid input.
func Normalize(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		return ""
	}
	return normalizeURL(u)
}

func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if len(path) > 1 && strings.HasSuffix(path, "/") {
		path = strings.TrimRight(path, "/")
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// Resolve resolves ref against base and returns the normalized result.
// Handles absolute refs, protocol-relative refs, absolute paths, and
// relative paths with dot-segment collapse. The second return is false when
// the ref cannot produce a crawlable URL.
func Resolve(base, ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}

	if IsHTTP(ref) {
		return Normalize(ref), true
	}

	baseURL, err := Parse(base)
	if err != nil {
		return "", false
	}

	refURL, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	// Schemes other than http(s) (mailto:, javascript:, tel:) never resolve
	// to crawlable URLs.
	if refURL.Scheme != "" && refURL.Scheme != "http" && refURL.Scheme != "https" {
		return "", false
	}

	resolved := baseURL.ResolveReference(refURL)
	if resolved.Host == "" {
		return "", false
	}
	normalized := normalizeURL(resolved)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// Host extracts the lowercased host (including any non-default port) from a
// normalized URL. Returns "" for invalid input.
func Host(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// PathWithQuery returns the request-target for raw: the escaped path (or
// "/") plus any query string.
func PathWithQuery(raw string) string {
	u, err := Parse(raw)
	if err != nil {
		return "/"
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
