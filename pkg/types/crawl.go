package types

import "time"

// DataRecord is one row of the produced dataset. A record is emitted for
// each completed fetch (any HTTP status) that passes the size, noindex, and
// duplicate gates, and as a synthetic 403 with WasAllowed false for each
// URL blocked by robots.txt.
type DataRecord struct {
	URL           string    `json:"url"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	FetchedAt     time.Time `json:"fetched_at"`
	StatusCode    int       `json:"status_code"`
	WasAllowed    bool      `json:"was_allowed"`
	ContentLength int       `json:"content_length"`
	WasSkipped    bool      `json:"was_skipped"`
}

// LinkEdge records that To was discovered on a successfully fetched From.
type LinkEdge struct {
	From         string    `json:"from_url"`
	To           string    `json:"to_url"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// RequestMetric is the per-request event emitted to the metrics sink.
type RequestMetric struct {
	RunID        string    `json:"run_id,omitempty"`
	URL          string    `json:"url"`
	StatusCode   int       `json:"status_code"`
	DurationMS   int64     `json:"duration_ms"`
	Bytes        int       `json:"bytes"`
	ContentType  string    `json:"content_type"`
	Timestamp    time.Time `json:"timestamp"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message"`
}

// CrawlerStats aggregates counters for a finished (or in-flight) run.
type CrawlerStats struct {
	TotalRequests        int64   `json:"total_requests"`
	SuccessfulRequests   int64   `json:"successful_requests"`
	FailedRequests       int64   `json:"failed_requests"`
	BlockedByRobots      int64   `json:"blocked_by_robots"`
	BlockedByNoindex     int64   `json:"blocked_by_noindex"`
	SkippedBySize        int64   `json:"skipped_by_size"`
	SitemapsFound        int64   `json:"sitemaps_found"`
	DuplicatesDetected   int64   `json:"duplicates_detected"`
	HTTP2Requests        int64   `json:"http2_requests"`
	HTTP11Requests       int64   `json:"http11_requests"`
	HTTP10Requests       int64   `json:"http10_requests"`
	TotalBytesDownloaded int64   `json:"total_bytes_downloaded"`
	TotalDurationMS      int64   `json:"total_duration_ms"`
	AvgRequestDurationMS float64 `json:"avg_request_duration_ms"`
	RequestsPerMinute    float64 `json:"requests_per_minute"`
	UniqueHostsEstimate  uint64  `json:"unique_hosts_estimate"`
}
