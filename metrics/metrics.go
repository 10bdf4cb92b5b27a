// Package metrics exports store metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/mvstore"
)

// Key constants are exported primarily for documentation reasons.
const (
	CommitsTotalKey          = "mvstore_commits_total"
	CommitDurationSecondsKey = "mvstore_commit_duration_seconds"
	CommittedBytesTotalKey   = "mvstore_committed_bytes_total"
	CommittedPagesTotalKey   = "mvstore_committed_pages_total"
	PageReadsTotalKey        = "mvstore_page_reads_total"
	PageReadBytesTotalKey    = "mvstore_page_read_bytes_total"
	PageReadDurationKey      = "mvstore_page_read_duration_seconds"
	CompactionsTotalKey      = "mvstore_compactions_total"
	CompactedPagesTotalKey   = "mvstore_compacted_pages_total"
	ChunksFreedTotalKey      = "mvstore_chunks_freed_total"
	FreedBytesTotalKey       = "mvstore_freed_bytes_total"
)

// Collector records store events as Prometheus metrics. It implements
// mvstore.MetricsCollector.
type Collector struct {
	commits         *prometheus.CounterVec
	commitDuration  prometheus.Histogram
	committedBytes  prometheus.Counter
	committedPages  prometheus.Counter
	pageReads       *prometheus.CounterVec
	pageReadBytes   prometheus.Counter
	pageReadLatency prometheus.Histogram
	compactions     *prometheus.CounterVec
	compactedPages  prometheus.Counter
	chunksFreed     prometheus.Counter
	freedBytes      prometheus.Counter
}

var _ mvstore.MetricsCollector = (*Collector)(nil)

// New returns a Collector whose metrics carry the given constant labels,
// e.g. the store name when several stores share a registry.
func New(labels prometheus.Labels) *Collector {
	return &Collector{
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        CommitsTotalKey,
			Help:        "Cumulative number of commits that wrote a chunk.",
			ConstLabels: labels,
		}, []string{"status"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        CommitDurationSecondsKey,
			Help:        "Duration of commits.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		committedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        CommittedBytesTotalKey,
			Help:        "Cumulative number of chunk bytes written.",
			ConstLabels: labels,
		}),
		committedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        CommittedPagesTotalKey,
			Help:        "Cumulative number of pages written.",
			ConstLabels: labels,
		}),
		pageReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        PageReadsTotalKey,
			Help:        "Cumulative number of pages read from the file.",
			ConstLabels: labels,
		}, []string{"status"}),
		pageReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        PageReadBytesTotalKey,
			Help:        "Cumulative number of page bytes read from the file.",
			ConstLabels: labels,
		}),
		pageReadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        PageReadDurationKey,
			Help:        "Duration of page reads on cache misses.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        CompactionsTotalKey,
			Help:        "Cumulative number of compaction passes.",
			ConstLabels: labels,
		}, []string{"status"}),
		compactedPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        CompactedPagesTotalKey,
			Help:        "Cumulative number of pages rewritten by compaction.",
			ConstLabels: labels,
		}),
		chunksFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        ChunksFreedTotalKey,
			Help:        "Cumulative number of chunks whose space was released.",
			ConstLabels: labels,
		}),
		freedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        FreedBytesTotalKey,
			Help:        "Cumulative number of bytes released by retired chunks.",
			ConstLabels: labels,
		}),
	}
}

// Collectors returns every collector, for registration.
func (c *Collector) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.commits,
		c.commitDuration,
		c.committedBytes,
		c.committedPages,
		c.pageReads,
		c.pageReadBytes,
		c.pageReadLatency,
		c.compactions,
		c.compactedPages,
		c.chunksFreed,
		c.freedBytes,
	}
}

// MustRegister registers all collectors with reg.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(c.Collectors()...)
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (c *Collector) RecordCommit(bytes int64, pages int, duration time.Duration, err error) {
	c.commits.WithLabelValues(status(err)).Inc()
	c.commitDuration.Observe(duration.Seconds())
	if err != nil {
		return
	}
	c.committedBytes.Add(float64(bytes))
	c.committedPages.Add(float64(pages))
}

func (c *Collector) RecordPageRead(bytes int, duration time.Duration, err error) {
	c.pageReads.WithLabelValues(status(err)).Inc()
	c.pageReadLatency.Observe(duration.Seconds())
	c.pageReadBytes.Add(float64(bytes))
}

func (c *Collector) RecordCompaction(_, pages int, _ time.Duration, err error) {
	c.compactions.WithLabelValues(status(err)).Inc()
	c.compactedPages.Add(float64(pages))
}

func (c *Collector) RecordChunksFreed(count int, bytes int64) {
	c.chunksFreed.Add(float64(count))
	c.freedBytes.Add(float64(bytes))
}
