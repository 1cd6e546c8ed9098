package sink

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"webharvest/pkg/types"
)

type capturedInsert struct {
	query   string
	payload map[string]any
}

func newCapturingServer(t *testing.T) (*httptest.Server, func() []capturedInsert) {
	t.Helper()
	var mu sync.Mutex
	var inserts []capturedInsert

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("payload is not JSONEachRow: %v", err)
		}
		mu.Lock()
		inserts = append(inserts, capturedInsert{
			query:   r.URL.Query().Get("query"),
			payload: payload,
		})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server, func() []capturedInsert {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedInsert(nil), inserts...)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestClickHouseMetricInsert(t *testing.T) {
	server, captured := newCapturingServer(t)

	s := NewClickHouseSink(ClickHouseOptions{
		Endpoint:     server.URL,
		Database:     "crawl",
		MetricsTable: "crawler_metrics",
	}, discardLogger())

	err := s.WriteMetric(types.RequestMetric{
		URL:        "https://a.test/",
		StatusCode: 200,
		DurationMS: 42,
		Bytes:      1000,
		Timestamp:  time.Now(),
		Success:    true,
	})
	if err != nil {
		t.Fatalf("write metric: %v", err)
	}

	inserts := captured()
	if len(inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(inserts))
	}
	if inserts[0].query != "INSERT INTO crawl.crawler_metrics FORMAT JSONEachRow" {
		t.Fatalf("query = %q", inserts[0].query)
	}
	if inserts[0].payload["url"] != "https://a.test/" {
		t.Fatalf("payload = %v", inserts[0].payload)
	}
	if inserts[0].payload["status_code"] != float64(200) {
		t.Fatalf("status_code = %v", inserts[0].payload["status_code"])
	}
}

func TestClickHouseEdgeInsert(t *testing.T) {
	server, captured := newCapturingServer(t)

	s := NewClickHouseSink(ClickHouseOptions{Endpoint: server.URL}, discardLogger())
	err := s.WriteEdge(types.LinkEdge{
		From:         "https://a.test/",
		To:           "https://a.test/next",
		DiscoveredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("write edge: %v", err)
	}

	inserts := captured()
	if len(inserts) != 1 {
		t.Fatalf("inserts = %d, want 1", len(inserts))
	}
	if inserts[0].query != "INSERT INTO default.crawler_link_graph FORMAT JSONEachRow" {
		t.Fatalf("query = %q", inserts[0].query)
	}
	if inserts[0].payload["from_url"] != "https://a.test/" {
		t.Fatalf("payload = %v", inserts[0].payload)
	}
}

func TestClickHouseFailureIsNotFatal(t *testing.T) {
	s := NewClickHouseSink(ClickHouseOptions{
		Endpoint: "http://127.0.0.1:1", // nothing listens here
		Timeout:  200 * time.Millisecond,
	}, discardLogger())

	if err := s.WriteMetric(types.RequestMetric{URL: "https://a.test/"}); err != nil {
		t.Fatalf("sink failures must not propagate: %v", err)
	}
}

func TestClickHouseDisabledWithoutEndpoint(t *testing.T) {
	if s := NewClickHouseSink(ClickHouseOptions{}, discardLogger()); s != nil {
		t.Fatal("sink without endpoint should be nil")
	}
}
