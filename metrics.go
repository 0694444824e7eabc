package spherigo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
type MetricsCollector interface {
	// RecordAppend is called after each event append (create included).
	// duration is the total time taken, err is nil if successful.
	RecordAppend(duration time.Duration, err error)

	// RecordSearch is called after each radius search. cells is the number
	// of cell documents read, results the number returned.
	RecordSearch(cells, results int, duration time.Duration, err error)

	// RecordIndexUpdate is called after each incremental index update.
	RecordIndexUpdate(duration time.Duration, err error)

	// RecordRebuild is called after each full rebuild.
	RecordRebuild(indexed, failed int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordAppend(time.Duration, error)            {}
func (NoopMetricsCollector) RecordSearch(int, int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordIndexUpdate(time.Duration, error)       {}
func (NoopMetricsCollector) RecordRebuild(int, int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	AppendCount       atomic.Int64
	AppendErrors      atomic.Int64
	AppendTotalNanos  atomic.Int64
	SearchCount       atomic.Int64
	SearchErrors      atomic.Int64
	SearchTotalNanos  atomic.Int64
	SearchCellsRead   atomic.Int64
	SearchResults     atomic.Int64
	IndexUpdateCount  atomic.Int64
	IndexUpdateErrors atomic.Int64
	RebuildCount      atomic.Int64
	RebuildErrors     atomic.Int64
	RebuildIndexed    atomic.Int64
	RebuildFailed     atomic.Int64
}

// RecordAppend implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAppend(duration time.Duration, err error) {
	b.AppendCount.Add(1)
	b.AppendTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.AppendErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(cells, results int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	b.SearchCellsRead.Add(int64(cells))
	b.SearchResults.Add(int64(results))
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordIndexUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordIndexUpdate(duration time.Duration, err error) {
	b.IndexUpdateCount.Add(1)
	if err != nil {
		b.IndexUpdateErrors.Add(1)
	}
}

// RecordRebuild implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRebuild(indexed, failed int, duration time.Duration, err error) {
	b.RebuildCount.Add(1)
	b.RebuildIndexed.Add(int64(indexed))
	b.RebuildFailed.Add(int64(failed))
	if err != nil {
		b.RebuildErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		AppendCount:      b.AppendCount.Load(),
		AppendErrors:     b.AppendErrors.Load(),
		AppendAvgNanos:   avg(b.AppendTotalNanos.Load(), b.AppendCount.Load()),
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		SearchCellsRead:  b.SearchCellsRead.Load(),
		SearchResults:    b.SearchResults.Load(),
		IndexUpdateCount: b.IndexUpdateCount.Load(),
		IndexUpdateFails: b.IndexUpdateErrors.Load(),
		RebuildCount:     b.RebuildCount.Load(),
		RebuildErrors:    b.RebuildErrors.Load(),
		RebuildIndexed:   b.RebuildIndexed.Load(),
		RebuildFailed:    b.RebuildFailed.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	AppendCount      int64
	AppendErrors     int64
	AppendAvgNanos   int64
	SearchCount      int64
	SearchErrors     int64
	SearchAvgNanos   int64
	SearchCellsRead  int64
	SearchResults    int64
	IndexUpdateCount int64
	IndexUpdateFails int64
	RebuildCount     int64
	RebuildErrors    int64
	RebuildIndexed   int64
	RebuildFailed    int64
}
