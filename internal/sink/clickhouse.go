package sink

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"webharvest/pkg/types"
)

// ClickHouseOptions locates a ClickHouse-compatible HTTP interface.
type ClickHouseOptions struct {
	Endpoint       string
	Database       string
	MetricsTable   string
	LinkGraphTable string
	User           string
	Password       string
	Timeout        time.Duration
}

// ClickHouseSink posts request metrics and link edges as
// INSERT ... FORMAT JSONEachRow payloads over HTTP. Delivery failures are
// logged and never fail the crawl.
type ClickHouseSink struct {
	opts   ClickHouseOptions
	client *http.Client
	logger *slog.Logger
}

// NewClickHouseSink builds the sink; returns nil when no endpoint is
// configured.
func NewClickHouseSink(opts ClickHouseOptions, logger *slog.Logger) *ClickHouseSink {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil
	}
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.MetricsTable == "" {
		opts.MetricsTable = "crawler_metrics"
	}
	if opts.LinkGraphTable == "" {
		opts.LinkGraphTable = "crawler_link_graph"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &ClickHouseSink{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// WriteRecord is a no-op; records belong to the dataset writer.
func (s *ClickHouseSink) WriteRecord(types.DataRecord) error { return nil }

func (s *ClickHouseSink) WriteEdge(edge types.LinkEdge) error {
	s.insert(s.opts.LinkGraphTable, map[string]any{
		"from_url":      edge.From,
		"to_url":        edge.To,
		"discovered_at": edge.DiscoveredAt.UTC().Format(time.DateTime),
	})
	return nil
}

func (s *ClickHouseSink) WriteMetric(metric types.RequestMetric) error {
	s.insert(s.opts.MetricsTable, map[string]any{
		"url":           metric.URL,
		"status_code":   metric.StatusCode,
		"duration_ms":   metric.DurationMS,
		"bytes":         metric.Bytes,
		"content_type":  metric.ContentType,
		"timestamp":     metric.Timestamp.UTC().Format(time.DateTime),
		"success":       metric.Success,
		"error_message": metric.ErrorMessage,
		"run_id":        metric.RunID,
	})
	return nil
}

func (s *ClickHouseSink) Close() error { return nil }

func (s *ClickHouseSink) insert(table string, row map[string]any) {
	payload, err := json.Marshal(row)
	if err != nil {
		s.logger.Warn("metrics sink marshal failed", "table", table, "error", err)
		return
	}

	query := fmt.Sprintf("INSERT INTO %s.%s FORMAT JSONEachRow", s.opts.Database, table)
	endpoint := strings.TrimRight(s.opts.Endpoint, "/")

	params := url.Values{}
	params.Set("query", query)
	if s.opts.User != "" {
		params.Set("user", s.opts.User)
	}
	if s.opts.Password != "" {
		params.Set("password", s.opts.Password)
	}

	resp, err := s.client.Post(endpoint+"/?"+params.Encode(), "application/json", bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("metrics sink insert failed", "table", table, "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.logger.Warn("metrics sink insert rejected",
			"table", table, "status", resp.StatusCode, "response", string(body))
	}
}
