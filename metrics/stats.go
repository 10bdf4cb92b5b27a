package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/mvstore"
)

// StatsSource is what a StatsCollector reads. *mvstore.Store implements it.
type StatsSource interface {
	Stats() mvstore.Stats
}

// StatsCollector exposes the gauges of a store's Stats on every scrape.
type StatsCollector struct {
	src StatsSource

	fileSize      *prometheus.Desc
	chunks        *prometheus.Desc
	chunkFillRate *prometheus.Desc
	fileFillRate  *prometheus.Desc
	unsaved       *prometheus.Desc
	version       *prometheus.Desc
	cacheMemory   *prometheus.Desc
	cacheHits     *prometheus.Desc
	cacheMisses   *prometheus.Desc
}

var _ prometheus.Collector = (*StatsCollector)(nil)

// NewStatsCollector returns a collector reading src.
func NewStatsCollector(src StatsSource, labels prometheus.Labels) *StatsCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("mvstore_"+name, help, nil, labels)
	}
	return &StatsCollector{
		src:           src,
		fileSize:      desc("file_size_bytes", "Size of the store file."),
		chunks:        desc("chunks", "Number of chunks in the file."),
		chunkFillRate: desc("chunk_fill_ratio", "Share of live page bytes in all chunks."),
		fileFillRate:  desc("file_fill_ratio", "Share of used blocks in the file."),
		unsaved:       desc("unsaved_bytes", "Estimated memory of uncommitted pages."),
		version:       desc("committed_version", "Last committed version."),
		cacheMemory:   desc("cache_used_bytes", "Memory held by the page cache."),
		cacheHits:     desc("cache_hits_total", "Cumulative page cache hits."),
		cacheMisses:   desc("cache_misses_total", "Cumulative page cache misses."),
	}
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.fileSize, c.chunks, c.chunkFillRate, c.fileFillRate, c.unsaved,
		c.version, c.cacheMemory, c.cacheHits, c.cacheMisses,
	} {
		ch <- d
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.src.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v)
	}
	gauge(c.fileSize, float64(st.FileSize))
	gauge(c.chunks, float64(st.Chunks))
	gauge(c.chunkFillRate, float64(st.ChunkFillRate)/100)
	gauge(c.fileFillRate, float64(st.FileFillRate)/100)
	gauge(c.unsaved, float64(st.UnsavedMemory))
	gauge(c.version, float64(st.LastCommittedVersion))
	gauge(c.cacheMemory, float64(st.Cache.UsedMemory))
	counter(c.cacheHits, float64(st.Cache.Hits))
	counter(c.cacheMisses, float64(st.Cache.Misses))
}
