// Package sink delivers crawl output: dataset records to disk, request
// metrics and link edges to a ClickHouse-compatible HTTP endpoint, and
// optionally records to a relational archive.
package sink

import (
	"errors"

	"webharvest/pkg/types"
)

// Sink consumes the engine's observable output. Implementations must
// tolerate being called from a single writer goroutine.
type Sink interface {
	WriteRecord(record types.DataRecord) error
	WriteEdge(edge types.LinkEdge) error
	WriteMetric(metric types.RequestMetric) error
	Close() error
}

// Multi fans out to several sinks, delivering to every sink even when some
// fail and joining the errors.
type Multi struct {
	sinks []Sink
}

// NewMulti composes sinks; nil entries are skipped.
func NewMulti(sinks ...Sink) *Multi {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

func (m *Multi) WriteRecord(record types.DataRecord) error {
	var err error
	for _, s := range m.sinks {
		err = errors.Join(err, s.WriteRecord(record))
	}
	return err
}

func (m *Multi) WriteEdge(edge types.LinkEdge) error {
	var err error
	for _, s := range m.sinks {
		err = errors.Join(err, s.WriteEdge(edge))
	}
	return err
}

func (m *Multi) WriteMetric(metric types.RequestMetric) error {
	var err error
	for _, s := range m.sinks {
		err = errors.Join(err, s.WriteMetric(metric))
	}
	return err
}

func (m *Multi) Close() error {
	var err error
	for _, s := range m.sinks {
		err = errors.Join(err, s.Close())
	}
	return err
}
