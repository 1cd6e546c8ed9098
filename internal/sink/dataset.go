package sink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"webharvest/pkg/types"
)

// DatasetWriter persists DataRecords to JSON lines and/or CSV files under
// an output directory, flushing every batchSize records.
type DatasetWriter struct {
	format    string
	batchSize int

	mu      sync.Mutex
	pending []types.DataRecord

	jsonFile *os.File
	csvFile  *os.File
	csvOut   *csv.Writer
}

// NewDatasetWriter prepares output files in dir for the given format
// ("json", "csv", or "both"). The directory is created when missing; an
// unwritable directory is a startup error.
func NewDatasetWriter(dir, format string, batchSize int) (*DatasetWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}

	w := &DatasetWriter{format: format, batchSize: batchSize}
	stamp := time.Now().UTC().Format("20060102T150405Z")

	if format == "json" || format == "both" {
		fh, err := os.Create(filepath.Join(dir, "dataset-"+stamp+".json"))
		if err != nil {
			return nil, fmt.Errorf("create json output: %w", err)
		}
		w.jsonFile = fh
	}
	if format == "csv" || format == "both" {
		fh, err := os.Create(filepath.Join(dir, "dataset-"+stamp+".csv"))
		if err != nil {
			if w.jsonFile != nil {
				_ = w.jsonFile.Close()
			}
			return nil, fmt.Errorf("create csv output: %w", err)
		}
		w.csvFile = fh
		w.csvOut = csv.NewWriter(fh)
		if err := w.csvOut.Write([]string{
			"url", "title", "fetched_at", "status_code", "was_allowed", "content_length", "was_skipped", "content",
		}); err != nil {
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}

	return w, nil
}

func (w *DatasetWriter) WriteRecord(record types.DataRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = append(w.pending, record)
	if len(w.pending) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

// WriteEdge is a no-op; the dataset holds records only.
func (w *DatasetWriter) WriteEdge(types.LinkEdge) error { return nil }

// WriteMetric is a no-op; metrics flow to the metrics sink.
func (w *DatasetWriter) WriteMetric(types.RequestMetric) error { return nil }

// Flush writes out any buffered records.
func (w *DatasetWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *DatasetWriter) flushLocked() error {
	for _, record := range w.pending {
		if w.jsonFile != nil {
			line, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("marshal record: %w", err)
			}
			if _, err := w.jsonFile.Write(append(line, '\n')); err != nil {
				return fmt.Errorf("write json record: %w", err)
			}
		}
		if w.csvOut != nil {
			row := []string{
				record.URL,
				record.Title,
				record.FetchedAt.UTC().Format(time.RFC3339),
				strconv.Itoa(record.StatusCode),
				strconv.FormatBool(record.WasAllowed),
				strconv.Itoa(record.ContentLength),
				strconv.FormatBool(record.WasSkipped),
				record.Content,
			}
			if err := w.csvOut.Write(row); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}
	}
	w.pending = w.pending[:0]
	if w.csvOut != nil {
		w.csvOut.Flush()
		if err := w.csvOut.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
	}
	return nil
}

func (w *DatasetWriter) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.jsonFile != nil {
		if err := w.jsonFile.Close(); err != nil {
			return err
		}
		w.jsonFile = nil
	}
	if w.csvFile != nil {
		if err := w.csvFile.Close(); err != nil {
			return err
		}
		w.csvFile = nil
	}
	return nil
}
