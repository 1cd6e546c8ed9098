// Package crawler orchestrates the crawl pipeline: frontier, robots
// policy, fetching, deduplication, politeness, and output sinks.
package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"webharvest/internal/config"
	"webharvest/internal/dedup"
	"webharvest/internal/dnscache"
	"webharvest/internal/extractor"
	"webharvest/internal/fetcher"
	"webharvest/internal/frontier"
	"webharvest/internal/politeness"
	"webharvest/internal/robots"
	"webharvest/internal/sink"
	"webharvest/internal/urlutil"
	"webharvest/pkg/types"
)

const (
	seedPriority       = 0
	discoveredPriority = 1

	// minRecordBytes is the body size below which a 200 is logged as
	// having no parseable text and skipped by deduplication.
	minRecordBytes = 100

	// idleWait is the pause while the frontier is empty but the admission
	// endpoint may still deliver work.
	idleWait = 100 * time.Millisecond
)

// Fetcher is the transport used for pages and robots.txt alike.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, extra map[string]string) (fetcher.Response, time.Duration, error)
}

// Engine drives the crawl loop. It exclusively owns the politeness state
// and the in-run SimHash index; the frontier owns all persistent state.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	fetcher  Fetcher
	robots   *robots.Cache
	frontier *frontier.Store
	dedupe   *dedup.Index
	polite   *politeness.Controller
	out      sink.Sink
	stats    *Stats

	runID         string
	admissionOpen bool
	consultedHost map[string]struct{}
}

// NewEngine assembles an engine from configuration, the opened frontier
// store, and the output sink.
func NewEngine(cfg config.Config, store *frontier.Store, out sink.Sink, logger *slog.Logger) *Engine {
	client := fetcher.NewClient(fetcher.Options{
		UserAgent:       cfg.Crawler.UserAgent,
		Headers:         cfg.Crawler.Headers,
		Timeout:         cfg.Crawler.Timeout.Duration,
		MaxRetries:      cfg.Crawler.MaxRetries,
		RetryBackoff:    cfg.Crawler.RetryBackoff.Duration,
		FollowRedirects: cfg.Crawler.FollowRedirects,
		MaxRedirects:    cfg.Crawler.MaxRedirects,
		VerifyTLS:       cfg.Crawler.VerifyTLS,
		MaxBodyBytes:    cfg.Crawler.MaxBodyBytes,
	}, dnscache.New(0), logger)

	return newEngineWithFetcher(cfg, store, out, client, logger)
}

func newEngineWithFetcher(cfg config.Config, store *frontier.Store, out sink.Sink, client Fetcher, logger *slog.Logger) *Engine {
	e := &Engine{
		cfg:           cfg,
		logger:        logger,
		fetcher:       client,
		frontier:      store,
		dedupe:        dedup.NewIndex(cfg.Dedup.SimhashThreshold),
		out:           out,
		stats:         NewStats(),
		admissionOpen: cfg.API.Enabled,
		consultedHost: make(map[string]struct{}),
	}

	e.runID = cfg.Job.RunID
	if e.runID == "" {
		e.runID = uuid.NewString()
	}

	// robots.txt flows through the same fetcher but bypasses robots
	// consultation itself.
	e.robots = robots.NewCache(func(ctx context.Context, rawURL string) (int, []byte, error) {
		resp, _, err := client.Fetch(ctx, rawURL, nil)
		if err != nil {
			return 0, nil, err
		}
		return resp.StatusCode, resp.Body, nil
	}, cfg.Crawler.RobotsUserAgent, logger)

	e.polite = politeness.New(politeness.Options{
		Enabled:         cfg.Politeness.EnableAdaptiveDelay,
		MinDelay:        cfg.Politeness.MinDelay.Duration,
		MaxDelay:        cfg.Politeness.MaxDelay.Duration,
		BaseDelay:       cfg.Politeness.BaseDelay.Duration,
		LatencyEMAAlpha: cfg.Politeness.LatencyEMAAlpha,
		FailureBackoff:  cfg.Politeness.FailureBackoff.Duration,
		JitterPct:       cfg.Politeness.JitterPct,
		PerHostRequests: cfg.Politeness.PerHostRate.Requests,
		PerHostWindow:   cfg.Politeness.PerHostRate.Window.Duration,
	})

	return e
}

// RunID identifies this run on emitted metric events.
func (e *Engine) RunID() string {
	return e.runID
}

// Stats exposes the live counters, e.g. for the periodic reporter.
func (e *Engine) Stats() *Stats {
	return e.stats
}

// Enqueue admits one URL at seed priority. Used by the admission endpoint;
// safe to call while Run is executing. Returns false for malformed URLs.
func (e *Engine) Enqueue(raw string) bool {
	normalized := urlutil.Normalize(raw)
	if normalized == "" {
		e.logger.Warn("rejected malformed url", "url", raw)
		return false
	}
	ok, err := e.frontier.Enqueue(normalized, seedPriority)
	if err != nil {
		e.logger.Error("enqueue failed", "url", normalized, "error", err)
		return false
	}
	return ok
}

// Run crawls until the frontier drains (and, when the admission endpoint
// is open, until the context closes it). It returns the aggregate stats;
// cancellation yields partial results without error.
func (e *Engine) Run(ctx context.Context, seeds []string) (types.CrawlerStats, error) {
	seeded := 0
	for _, seed := range seeds {
		normalized := urlutil.Normalize(seed)
		if normalized == "" {
			e.logger.Warn("rejected malformed seed", "url", seed)
			continue
		}
		ok, err := e.frontier.Enqueue(normalized, seedPriority)
		if err != nil {
			e.logger.Error("seed enqueue failed", "url", normalized, "error", err)
			continue
		}
		if ok {
			seeded++
		}
	}
	e.logger.Info("crawl started", "seeds", seeded, "queued", e.frontier.Size(), "run_id", e.runID)

	for {
		if ctx.Err() != nil {
			e.logger.Warn("crawl cancelled", "queued", e.frontier.Size())
			break
		}

		url, ok, err := e.frontier.Dequeue()
		if err != nil {
			e.logger.Error("dequeue failed", "error", err)
			break
		}
		if !ok {
			if e.admissionOpen {
				select {
				case <-time.After(idleWait):
					continue
				case <-ctx.Done():
					continue
				}
			}
			break
		}

		e.crawlOne(ctx, url)
	}

	snap := e.stats.Snapshot()
	e.logger.Info("crawl completed",
		"fetched", snap.SuccessfulRequests,
		"blocked_robots", snap.BlockedByRobots,
		"blocked_noindex", snap.BlockedByNoindex,
		"skipped_size", snap.SkippedBySize,
		"duplicates", snap.DuplicatesDetected,
	)
	return snap, nil
}

// crawlOne runs the per-URL pipeline: visited check, robots, fetch, gates,
// record emission, link discovery, politeness.
func (e *Engine) crawlOne(ctx context.Context, rawURL string) {
	normalized := urlutil.Normalize(rawURL)
	if normalized == "" {
		e.logger.Warn("discarding malformed queued url", "url", rawURL)
		return
	}

	if e.frontier.IsVisited(normalized) {
		return
	}
	if err := e.frontier.MarkVisited(normalized); err != nil {
		e.logger.Error("mark visited failed", "url", normalized, "error", err)
	}

	host := urlutil.Host(normalized)
	e.stats.ObserveHost(host)

	if e.cfg.Crawler.RespectRobotsTxt {
		allowed := e.robots.Allowed(ctx, normalized)
		e.noteHostPolicies(host)
		if !allowed {
			e.stats.blockedByRobots.Add(1)
			e.logger.Warn("blocked by robots.txt", "url", normalized)
			e.emitRecord(types.DataRecord{
				URL:        normalized,
				Title:      "BLOCKED",
				FetchedAt:  time.Now(),
				StatusCode: 403,
				WasAllowed: false,
			})
			e.polite.Observe(ctx, host, 403, 0, e.frontier.Size())
			return
		}
	}

	if err := e.polite.Wait(ctx, host); err != nil {
		return
	}

	resp, duration, err := e.fetcher.Fetch(ctx, normalized, nil)
	if err != nil {
		e.stats.ObserveRequest(0, duration, 0, "")
		e.emitMetric(normalized, 0, duration, 0, "", err.Error())
		e.logger.Error("fetch failed", "url", normalized, "error", err)
		e.polite.Observe(ctx, host, 0, duration, e.frontier.Size())
		return
	}

	e.stats.ObserveRequest(resp.StatusCode, duration, len(resp.Body), resp.HTTPVersion)
	e.emitMetric(normalized, resp.StatusCode, duration, len(resp.Body), resp.ContentType, "")

	finalURL := normalized
	if fn := urlutil.Normalize(resp.FinalURL); fn != "" && fn != normalized {
		finalURL = fn
		// Redirect targets count as visited so they are not refetched.
		if err := e.frontier.MarkVisited(finalURL); err != nil {
			e.logger.Error("mark visited failed", "url", finalURL, "error", err)
		}
	}

	if int64(len(resp.Body)) > e.cfg.Crawler.MaxFileSizeBytes() {
		e.stats.skippedBySize.Add(1)
		e.logger.Warn("skipped by size limit",
			"url", normalized, "bytes", len(resp.Body), "limit_mb", e.cfg.Crawler.MaxFileSizeMB)
		e.polite.Observe(ctx, host, resp.StatusCode, duration, e.frontier.Size())
		return
	}

	if resp.StatusCode == 200 && len(resp.Body) < minRecordBytes {
		e.logger.Warn("no text parsed", "url", normalized)
	}

	if e.cfg.Crawler.RespectMetaTags && resp.StatusCode == 200 && extractor.MetaNoindex(resp.Body) {
		e.stats.blockedByNoindex.Add(1)
		e.logger.Warn("blocked by meta noindex", "url", normalized)
		e.polite.Observe(ctx, host, resp.StatusCode, duration, e.frontier.Size())
		return
	}

	if e.cfg.Dedup.Enabled && resp.StatusCode == 200 && len(resp.Body) >= minRecordBytes {
		hash := dedup.Simhash(string(resp.Body))
		if e.dedupe.IsDuplicate(hash) {
			e.stats.duplicates.Add(1)
			e.logger.Warn("duplicate content", "url", normalized)
			e.polite.Observe(ctx, host, resp.StatusCode, duration, e.frontier.Size())
			return
		}
	}

	record := types.DataRecord{
		URL:           finalURL,
		Title:         extractor.Title(resp.Body),
		Content:       extractor.Text(resp.Body),
		FetchedAt:     time.Now(),
		StatusCode:    resp.StatusCode,
		WasAllowed:    true,
		ContentLength: len(resp.Body),
	}
	e.emitRecord(record)

	if resp.StatusCode == 200 {
		e.logger.Info("fetched", "url", normalized, "status", resp.StatusCode, "http_version", resp.HTTPVersion)
		e.discoverLinks(finalURL, resp)
	} else {
		e.logger.Warn("fetched with error status", "url", normalized, "status", resp.StatusCode)
	}

	e.polite.Observe(ctx, host, resp.StatusCode, duration, e.frontier.Size())
}

// discoverLinks extracts links from the final body, records edges, and
// enqueues unvisited targets at discovery priority.
func (e *Engine) discoverLinks(from string, resp fetcher.Response) {
	base := resp.FinalURL
	if base == "" {
		base = from
	}
	links := extractor.Links(resp.Body, base)
	if len(links) == 0 {
		return
	}

	now := time.Now()
	enqueued := 0
	for _, link := range links {
		if err := e.frontier.AddEdge(from, link); err != nil {
			e.logger.Error("link edge write failed", "from", from, "to", link, "error", err)
		}
		if err := e.out.WriteEdge(types.LinkEdge{From: from, To: link, DiscoveredAt: now}); err != nil {
			e.logger.Error("link edge sink failed", "from", from, "to", link, "error", err)
		}

		if e.frontier.IsVisited(link) {
			continue
		}
		ok, err := e.frontier.Enqueue(link, discoveredPriority)
		if err != nil {
			e.logger.Error("enqueue failed", "url", link, "error", err)
			continue
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		e.logger.Info("enqueued new links", "count", enqueued, "on", from)
	}
}

// noteHostPolicies applies per-host robots side effects once: the declared
// crawl delay raises the politeness minimum, and sitemap directives are
// counted.
func (e *Engine) noteHostPolicies(host string) {
	if _, seen := e.consultedHost[host]; seen {
		return
	}
	e.consultedHost[host] = struct{}{}

	if delay := e.robots.CrawlDelay(host); delay > 0 {
		e.polite.RaiseHostMinimum(host, delay)
		e.logger.Info("crawl delay declared", "host", host, "delay", delay)
	}
	if n := e.robots.SitemapCount(host); n > 0 {
		e.stats.sitemapsFound.Add(int64(n))
		e.logger.Info("sitemaps declared in robots.txt", "host", host, "count", n)
	}
}

func (e *Engine) emitRecord(record types.DataRecord) {
	if err := e.out.WriteRecord(record); err != nil {
		e.logger.Error("record sink failed", "url", record.URL, "error", err)
	}
}

func (e *Engine) emitMetric(url string, status int, duration time.Duration, bytes int, contentType, errMsg string) {
	metric := types.RequestMetric{
		RunID:        e.runID,
		URL:          url,
		StatusCode:   status,
		DurationMS:   duration.Milliseconds(),
		Bytes:        bytes,
		ContentType:  contentType,
		Timestamp:    time.Now(),
		Success:      errMsg == "" && status > 0,
		ErrorMessage: errMsg,
	}
	if err := e.out.WriteMetric(metric); err != nil {
		e.logger.Error("metric sink failed", "url", url, "error", err)
	}
}

// ReportStats runs the periodic reporter until ctx cancels.
func (e *Engine) ReportStats(ctx context.Context) {
	e.stats.report(ctx, e.logger)
}

// BuildLogger constructs the process logger from configuration.
func BuildLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unsupported log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Structured {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler), nil
}
