package robots

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"webharvest/internal/urlutil"
)

// FetchFunc retrieves a robots.txt document. Implementations must bypass
// robots consultation themselves.
type FetchFunc func(ctx context.Context, rawURL string) (status int, body []byte, err error)

type cacheEntry struct {
	groups     []Group
	crawlDelay float64
	sitemaps   int
	fetchedAt  time.Time
}

// Cache holds per-host parsed robots rules, fetched lazily through the
// crawler's own fetcher. Rules live for the duration of the run.
type Cache struct {
	fetch     FetchFunc
	userAgent string
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCache builds a robots cache evaluating rules for userAgent.
func NewCache(fetch FetchFunc, userAgent string, logger *slog.Logger) *Cache {
	return &Cache{
		fetch:     fetch,
		userAgent: userAgent,
		logger:    logger,
		entries:   make(map[string]cacheEntry),
	}
}

// Allowed reports whether the target URL may be fetched. Hosts whose
// robots.txt is missing (404) or unreachable permit everything.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	host := urlutil.Host(rawURL)
	if host == "" {
		return true
	}
	entry := c.load(ctx, host, rawURL)
	return Allowed(entry.groups, urlutil.PathWithQuery(rawURL), c.userAgent)
}

// CrawlDelay returns the crawl delay declared for host, or 0 when the host
// has not been consulted or declares none.
func (c *Cache) CrawlDelay(host string) time.Duration {
	c.mu.Lock()
	entry, ok := c.entries[host]
	c.mu.Unlock()
	if !ok || entry.crawlDelay <= 0 {
		return 0
	}
	return time.Duration(entry.crawlDelay * float64(time.Second))
}

// SitemapCount returns how many Sitemap directives were seen for host.
func (c *Cache) SitemapCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[host].sitemaps
}

func (c *Cache) load(ctx context.Context, host, requestURL string) cacheEntry {
	c.mu.Lock()
	if entry, ok := c.entries[host]; ok {
		c.mu.Unlock()
		return entry
	}
	c.mu.Unlock()

	robotsURL := "https://" + host + "/robots.txt"
	entry := cacheEntry{crawlDelay: -1, fetchedAt: time.Now()}

	status, body, err := c.fetch(ctx, robotsURL)
	switch {
	case err != nil:
		c.logger.Warn("failed to fetch robots.txt", "host", host, "url", requestURL, "error", err)
	case status == http.StatusOK:
		content := string(body)
		entry.groups = Parse(content)
		entry.crawlDelay = CrawlDelay(entry.groups, c.userAgent)
		entry.sitemaps = len(SitemapURLs(content))
	case status == http.StatusNotFound:
		// Absent robots.txt permits everything.
	default:
		c.logger.Warn("failed to fetch robots.txt", "host", host, "url", requestURL, "status", status)
	}

	c.mu.Lock()
	// A concurrent load may have raced us; first writer wins.
	if existing, ok := c.entries[host]; ok {
		c.mu.Unlock()
		return existing
	}
	c.entries[host] = entry
	c.mu.Unlock()
	return entry
}
