// Package redis exposes the connection pool statistics of Redis clients as Prometheus metrics.
package redis

import (
	"github.com/backfila/backfila/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

const (
	subSystem = "redis"
	// instanceName labels the metrics of the one client each process holds.
	instanceName = "main"

	hitsName       = "pool_stats_hits"
	hitsDesc       = "Number of times a free connection was found in the pool."
	missesName     = "pool_stats_misses"
	missesDesc     = "Number of times a free connection was NOT found in the pool."
	timeoutsName   = "pool_stats_timeouts"
	timeoutsDesc   = "Number of times a wait timeout occurred."
	totalConnsName = "pool_stats_total_conns"
	totalConnsDesc = "Number of total connections in the pool."
	idleConnsName  = "pool_stats_idle_conns"
	idleConnsDesc  = "Number of idle connections in the pool."
	staleConnsName = "pool_stats_stale_conns"
	staleConnsDesc = "Number of stale connections removed from the pool."
	maxConnsName   = "pool_max_conns"
	maxConnsDesc   = "Maximum number of connections in the pool."
)

// StatsGetter is implemented by every go-redis client.
type StatsGetter interface {
	PoolStats() *redis.PoolStats
}

type poolStatsCollector struct {
	client   StatsGetter
	maxConns float64

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	timeouts   *prometheus.Desc
	totalConns *prometheus.Desc
	idleConns  *prometheus.Desc
	staleConns *prometheus.Desc
	maxConnsD  *prometheus.Desc
}

type config struct {
	maxConns int
}

// Option configures a pool statistics collector.
type Option func(*config)

// WithMaxConns sets the value of the maximum connections gauge.
func WithMaxConns(n int) Option {
	return func(c *config) {
		c.maxConns = n
	}
}

// NewPoolStatsCollector creates a collector reading the pool statistics of client on every scrape.
func NewPoolStatsCollector(client StatsGetter, opts ...Option) prometheus.Collector {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	labels := prometheus.Labels{"instance": instanceName}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(metrics.NamespacePrefix, subSystem, name), help, nil, labels)
	}

	return &poolStatsCollector{
		client:     client,
		maxConns:   float64(cfg.maxConns),
		hits:       desc(hitsName, hitsDesc),
		misses:     desc(missesName, missesDesc),
		timeouts:   desc(timeoutsName, timeoutsDesc),
		totalConns: desc(totalConnsName, totalConnsDesc),
		idleConns:  desc(idleConnsName, idleConnsDesc),
		staleConns: desc(staleConnsName, staleConnsDesc),
		maxConnsD:  desc(maxConnsName, maxConnsDesc),
	}
}

// Describe implements prometheus.Collector.
func (c *poolStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.timeouts
	ch <- c.totalConns
	ch <- c.idleConns
	ch <- c.staleConns
	ch <- c.maxConnsD
}

// Collect implements prometheus.Collector.
func (c *poolStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.client.PoolStats()

	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.GaugeValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.GaugeValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.GaugeValue, float64(stats.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.totalConns, prometheus.GaugeValue, float64(stats.TotalConns))
	ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.IdleConns))
	ch <- prometheus.MustNewConstMetric(c.staleConns, prometheus.GaugeValue, float64(stats.StaleConns))
	ch <- prometheus.MustNewConstMetric(c.maxConnsD, prometheus.GaugeValue, c.maxConns)
}

// InstrumentClient registers a pool statistics collector for client with the default Prometheus registerer.
func InstrumentClient(client StatsGetter, opts ...Option) {
	prometheus.MustRegister(NewPoolStatsCollector(client, opts...))
}
