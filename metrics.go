package mvstore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the metrics
// package provides a Prometheus implementation.
type MetricsCollector interface {
	// RecordCommit is called after each commit that wrote a chunk.
	// bytes is the chunk size, err is nil if successful.
	RecordCommit(bytes int64, pages int, duration time.Duration, err error)

	// RecordPageRead is called after a page was read from the file on a
	// cache miss.
	RecordPageRead(bytes int, duration time.Duration, err error)

	// RecordCompaction is called after each compaction pass.
	// chunks is the number of chunks selected, pages the number rewritten.
	RecordCompaction(chunks, pages int, duration time.Duration, err error)

	// RecordChunksFreed is called when the space of retired chunks is released.
	RecordChunksFreed(count int, bytes int64)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(int64, int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordPageRead(int, time.Duration, error)        {}
func (NoopMetricsCollector) RecordCompaction(int, int, time.Duration, error) {}
func (NoopMetricsCollector) RecordChunksFreed(int, int64)                    {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CommitBytes      atomic.Int64
	CommitPages      atomic.Int64
	CommitTotalNanos atomic.Int64
	PageReadCount    atomic.Int64
	PageReadErrors   atomic.Int64
	PageReadBytes    atomic.Int64
	PageReadNanos    atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
	CompactedChunks  atomic.Int64
	CompactedPages   atomic.Int64
	ChunksFreed      atomic.Int64
	ChunksFreedBytes atomic.Int64
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(bytes int64, pages int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
		return
	}
	b.CommitBytes.Add(bytes)
	b.CommitPages.Add(int64(pages))
}

// RecordPageRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPageRead(bytes int, duration time.Duration, err error) {
	b.PageReadCount.Add(1)
	b.PageReadNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PageReadErrors.Add(1)
		return
	}
	b.PageReadBytes.Add(int64(bytes))
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(chunks, pages int, duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
	b.CompactedChunks.Add(int64(chunks))
	b.CompactedPages.Add(int64(pages))
}

// RecordChunksFreed implements MetricsCollector.
func (b *BasicMetricsCollector) RecordChunksFreed(count int, bytes int64) {
	b.ChunksFreed.Add(int64(count))
	b.ChunksFreedBytes.Add(bytes)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:      b.CommitCount.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CommitBytes:      b.CommitBytes.Load(),
		CommitPages:      b.CommitPages.Load(),
		CommitAvgNanos:   avg(b.CommitTotalNanos.Load(), b.CommitCount.Load()),
		PageReadCount:    b.PageReadCount.Load(),
		PageReadErrors:   b.PageReadErrors.Load(),
		PageReadBytes:    b.PageReadBytes.Load(),
		PageReadAvgNanos: avg(b.PageReadNanos.Load(), b.PageReadCount.Load()),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		CompactedChunks:  b.CompactedChunks.Load(),
		CompactedPages:   b.CompactedPages.Load(),
		ChunksFreed:      b.ChunksFreed.Load(),
		ChunksFreedBytes: b.ChunksFreedBytes.Load(),
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
	CommitCount      int64
	CommitErrors     int64
	CommitBytes      int64
	CommitPages      int64
	CommitAvgNanos   int64
	PageReadCount    int64
	PageReadErrors   int64
	PageReadBytes    int64
	PageReadAvgNanos int64
	CompactionCount  int64
	CompactionErrors int64
	CompactedChunks  int64
	CompactedPages   int64
	ChunksFreed      int64
	ChunksFreedBytes int64
}
