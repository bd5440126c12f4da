package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheSnapshot is the subset of code cache counters exported on scrape.
type CacheSnapshot struct {
	Size      int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Realized  uint64
}

// ClusterSource is polled by the collector at scrape time.
type ClusterSource interface {
	PeerCount() int
	ActiveTaskCount() int
	PendingReturns() int
	CacheSnapshot() CacheSnapshot
}

// ClusterMetricsCollector exports state owned by the cluster manager
// without the manager pushing every change.
type ClusterMetricsCollector struct {
	source ClusterSource

	peers          *prometheus.Desc
	activeTasks    *prometheus.Desc
	pendingReturns *prometheus.Desc
	cacheSize      *prometheus.Desc
	cacheLookups   *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheRealized  *prometheus.Desc
}

// NewClusterMetricsCollector creates a collector reading from source
func NewClusterMetricsCollector(source ClusterSource) *ClusterMetricsCollector {
	fq := func(name string) string { return prometheus.BuildFQName(namespace, "state", name) }
	return &ClusterMetricsCollector{
		source:         source,
		peers:          prometheus.NewDesc(fq("peers"), "Peers in the directory at scrape time", nil, nil),
		activeTasks:    prometheus.NewDesc(fq("active_tasks"), "Running task records at scrape time", nil, nil),
		pendingReturns: prometheus.NewDesc(fq("pending_returns"), "Local tasks waiting for an asynchronous return", nil, nil),
		cacheSize:      prometheus.NewDesc(fq("code_cache_entries"), "Realized units held by the code cache", nil, nil),
		cacheLookups:   prometheus.NewDesc(fq("code_cache_lookups_total"), "Code cache lookups by result", []string{"result"}, nil),
		cacheEvictions: prometheus.NewDesc(fq("code_cache_evictions_total"), "Units evicted from the code cache", nil, nil),
		cacheRealized:  prometheus.NewDesc(fq("code_cache_realized_total"), "Units received and realized", nil, nil),
	}
}

// Register adds the collector to reg
func (c *ClusterMetricsCollector) Register(reg prometheus.Registerer) error {
	return reg.Register(c)
}

// Describe implements prometheus.Collector
func (c *ClusterMetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.peers
	ch <- c.activeTasks
	ch <- c.pendingReturns
	ch <- c.cacheSize
	ch <- c.cacheLookups
	ch <- c.cacheEvictions
	ch <- c.cacheRealized
}

// Collect implements prometheus.Collector
func (c *ClusterMetricsCollector) Collect(ch chan<- prometheus.Metric) {
	cache := c.source.CacheSnapshot()

	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(c.source.PeerCount()))
	ch <- prometheus.MustNewConstMetric(c.activeTasks, prometheus.GaugeValue, float64(c.source.ActiveTaskCount()))
	ch <- prometheus.MustNewConstMetric(c.pendingReturns, prometheus.GaugeValue, float64(c.source.PendingReturns()))
	ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(cache.Size))
	ch <- prometheus.MustNewConstMetric(c.cacheLookups, prometheus.CounterValue, float64(cache.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.cacheLookups, prometheus.CounterValue, float64(cache.Misses), "miss")
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(cache.Evictions))
	ch <- prometheus.MustNewConstMetric(c.cacheRealized, prometheus.CounterValue, float64(cache.Realized))
}
