package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/hyperloglog"

	"webharvest/pkg/types"
)

// statsReportInterval is how often the background reporter logs a summary.
const statsReportInterval = 60 * time.Second

// Stats holds the run counters. All counters are atomic so the reporter
// goroutine can read them while the engine loop writes.
type Stats struct {
	totalRequests      atomic.Int64
	successfulRequests atomic.Int64
	failedRequests     atomic.Int64
	blockedByRobots    atomic.Int64
	blockedByNoindex   atomic.Int64
	skippedBySize      atomic.Int64
	sitemapsFound      atomic.Int64
	duplicates         atomic.Int64
	http2Requests      atomic.Int64
	http11Requests     atomic.Int64
	http10Requests     atomic.Int64
	totalBytes         atomic.Int64
	totalDurationMS    atomic.Int64

	started time.Time

	// The HLL sketch is not safe for concurrent mutation; only the engine
	// loop inserts, the reporter reads under the same lock.
	hostMu sync.Mutex
	hosts  *hyperloglog.Sketch
}

// NewStats initialises counters for a run starting now.
func NewStats() *Stats {
	return &Stats{
		started: time.Now(),
		hosts:   hyperloglog.New14(),
	}
}

// ObserveHost feeds the unique-host estimator.
func (s *Stats) ObserveHost(host string) {
	if host == "" {
		return
	}
	s.hostMu.Lock()
	s.hosts.Insert([]byte(host))
	s.hostMu.Unlock()
}

// ObserveRequest records one completed exchange.
func (s *Stats) ObserveRequest(statusCode int, duration time.Duration, bytes int, httpVersion string) {
	s.totalRequests.Add(1)
	s.totalBytes.Add(int64(bytes))
	s.totalDurationMS.Add(duration.Milliseconds())
	if statusCode >= 200 && statusCode < 400 {
		s.successfulRequests.Add(1)
	} else {
		s.failedRequests.Add(1)
	}
	switch httpVersion {
	case "HTTP/1.0":
		s.http10Requests.Add(1)
	case "HTTP/1.1":
		s.http11Requests.Add(1)
	case "HTTP/2":
		s.http2Requests.Add(1)
	}
}

// Snapshot copies the counters into an exportable aggregate.
func (s *Stats) Snapshot() types.CrawlerStats {
	total := s.totalRequests.Load()
	durationMS := s.totalDurationMS.Load()

	var avg float64
	if total > 0 {
		avg = float64(durationMS) / float64(total)
	}
	elapsed := time.Since(s.started)
	var perMinute float64
	if elapsed > 0 {
		perMinute = float64(total) / elapsed.Minutes()
	}

	s.hostMu.Lock()
	uniqueHosts := s.hosts.Estimate()
	s.hostMu.Unlock()

	return types.CrawlerStats{
		TotalRequests:        total,
		SuccessfulRequests:   s.successfulRequests.Load(),
		FailedRequests:       s.failedRequests.Load(),
		BlockedByRobots:      s.blockedByRobots.Load(),
		BlockedByNoindex:     s.blockedByNoindex.Load(),
		SkippedBySize:        s.skippedBySize.Load(),
		SitemapsFound:        s.sitemapsFound.Load(),
		DuplicatesDetected:   s.duplicates.Load(),
		HTTP2Requests:        s.http2Requests.Load(),
		HTTP11Requests:       s.http11Requests.Load(),
		HTTP10Requests:       s.http10Requests.Load(),
		TotalBytesDownloaded: s.totalBytes.Load(),
		TotalDurationMS:      durationMS,
		AvgRequestDurationMS: avg,
		RequestsPerMinute:    perMinute,
		UniqueHostsEstimate:  uniqueHosts,
	}
}

// report runs the periodic summary until ctx is cancelled. It only reads
// counters; no mutable engine state is shared.
func (s *Stats) report(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(statsReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Snapshot()
			logger.Info("stats report",
				"requests", snap.TotalRequests,
				"success", snap.SuccessfulRequests,
				"failed", snap.FailedRequests,
				"blocked_robots", snap.BlockedByRobots,
				"blocked_noindex", snap.BlockedByNoindex,
				"skipped_size", snap.SkippedBySize,
				"duplicates", snap.DuplicatesDetected,
				"http2", snap.HTTP2Requests,
				"http11", snap.HTTP11Requests,
				"data", fmt.Sprintf("%dMB", snap.TotalBytesDownloaded/(1024*1024)),
				"avg_ms", int64(snap.AvgRequestDurationMS),
				"rate_per_min", int64(snap.RequestsPerMinute),
				"unique_hosts", snap.UniqueHostsEstimate,
			)
		}
	}
}
