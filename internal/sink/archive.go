package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"webharvest/pkg/types"
)

// Archive mirrors emitted records into a relational table keyed by URL, so
// repeated runs upsert rather than duplicate.
type Archive struct {
	db *sql.DB
}

// NewArchive opens the archive database and ensures its schema.
func NewArchive(driver, dsn string) (*Archive, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive: %w", err)
	}

	schema := `CREATE TABLE IF NOT EXISTS crawl_records (
	    url TEXT PRIMARY KEY,
	    title TEXT,
	    content TEXT,
	    fetched_at TIMESTAMPTZ,
	    status_code INT,
	    content_length BIGINT
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}

	return &Archive{db: db}, nil
}

func (a *Archive) WriteRecord(record types.DataRecord) error {
	query := `
        INSERT INTO crawl_records (url, title, content, fetched_at, status_code, content_length)
        VALUES ($1,$2,$3,$4,$5,$6)
        ON CONFLICT (url) DO UPDATE SET
            title = EXCLUDED.title,
            content = EXCLUDED.content,
            fetched_at = EXCLUDED.fetched_at,
            status_code = EXCLUDED.status_code,
            content_length = EXCLUDED.content_length
    `
	if _, err := a.db.Exec(query,
		record.URL,
		record.Title,
		record.Content,
		record.FetchedAt,
		record.StatusCode,
		record.ContentLength,
	); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	return nil
}

// WriteEdge is a no-op; the link graph lives in the frontier store and the
// metrics sink.
func (a *Archive) WriteEdge(types.LinkEdge) error { return nil }

// WriteMetric is a no-op.
func (a *Archive) WriteMetric(types.RequestMetric) error { return nil }

func (a *Archive) Close() error {
	return a.db.Close()
}
