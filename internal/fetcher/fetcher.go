// Package fetcher implements a raw-socket HTTP/1.1 client driven by a
// cooperative round-robin scheduler. Each fetch is a state machine that
// performs one bounded I/O attempt per scheduler pass, so timeouts are
// enforced precisely and concurrent fetching is a drop-in extension.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"webharvest/internal/dnscache"
	"webharvest/internal/urlutil"
)

// Response is the outcome of a completed HTTP exchange. A non-2xx status
// is still a successful exchange; transport failures surface as errors.
type Response struct {
	StatusCode  int
	Body        []byte
	ContentType string
	HTTPVersion string
	FinalURL    string
	Location    string
}

// Options controls fetch behaviour.
type Options struct {
	UserAgent       string
	Headers         map[string]string
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	FollowRedirects bool
	MaxRedirects    int
	VerifyTLS       bool
	MaxBodyBytes    int64
}

// Client fetches URLs over plaintext or TLS sockets with retries, redirect
// following, and DNS caching.
type Client struct {
	opts   Options
	dns    *dnscache.Cache
	logger *slog.Logger
}

// ErrTimeout reports that a fetch task exceeded its deadline.
var ErrTimeout = errors.New("raw socket fetch timeout")

// ErrInvalidResponse reports that the peer closed before a complete HTTP
// header block arrived.
var ErrInvalidResponse = errors.New("invalid HTTP response")

// NewClient builds a fetch client. dns may be shared between clients.
func NewClient(opts Options, dns *dnscache.Cache, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 200 * time.Millisecond
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = 5
	}
	if dns == nil {
		dns = dnscache.New(0)
	}
	return &Client{opts: opts, dns: dns, logger: logger}
}

// Fetch retrieves rawURL, following redirects when configured. The
// returned duration covers the whole exchange including retries and
// redirect hops. extra headers are added after the client's own.
func (c *Client) Fetch(ctx context.Context, rawURL string, extra map[string]string) (Response, time.Duration, error) {
	start := time.Now()

	current := rawURL
	var resp Response
	var err error

	for hop := 0; ; hop++ {
		resp, err = c.fetchOnce(ctx, current, extra)
		if err != nil {
			return Response{FinalURL: current}, time.Since(start), err
		}

		if !c.opts.FollowRedirects || !isRedirect(resp.StatusCode) || resp.Location == "" {
			break
		}
		if hop >= c.opts.MaxRedirects {
			c.logger.Warn("redirect limit reached", "url", rawURL, "limit", c.opts.MaxRedirects)
			break
		}

		next, ok := resolveLocation(current, resp.Location)
		if !ok {
			c.logger.Warn("unresolvable redirect location", "url", current, "location", resp.Location)
			break
		}
		c.logger.Warn("request redirected", "url", current, "location", next, "status", resp.StatusCode)
		current = next
	}

	resp.FinalURL = current
	return resp, time.Since(start), nil
}

// fetchOnce performs one URL exchange with the retry budget applied to
// transport failures only.
func (c *Client) fetchOnce(ctx context.Context, rawURL string, extra map[string]string) (Response, error) {
	attempts := c.opts.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		task := newFetchTask(rawURL, c.requestHeaders(extra), c.opts, c.dns)
		sched := newScheduler()
		sched.add(task)
		sched.run(ctx)

		if task.err == nil {
			return task.response, nil
		}
		lastErr = task.err

		if attempt+1 < attempts {
			backoff := c.opts.RetryBackoff * time.Duration(attempt+1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
	}
	return Response{}, fmt.Errorf("fetch %s: %w", rawURL, lastErr)
}

func (c *Client) requestHeaders(extra map[string]string) map[string]string {
	headers := map[string]string{
		"Accept":          "text/html,application/xhtml+xml",
		"Accept-Language": "en-US,en;q=0.9",
	}
	for k, v := range c.opts.Headers {
		headers[k] = v
	}
	for k, v := range extra {
		headers[k] = v
	}
	return headers
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

func resolveLocation(current, location string) (string, bool) {
	return urlutil.Resolve(current, strings.TrimSpace(location))
}
