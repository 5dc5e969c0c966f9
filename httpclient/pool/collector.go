package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes pool statistics as Prometheus metrics.
//
// Register it with any prometheus.Registerer:
//
//	prometheus.MustRegister(pool.NewCollector(p, "courier"))
type Collector struct {
	pool *Pool

	idle      *prometheus.Desc
	hostIdle  *prometheus.Desc
	oldest    *prometheus.Desc
	hits      *prometheus.Desc
	misses    *prometheus.Desc
	evictions *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a Collector reading from p.
func NewCollector(p *Pool, namespace string) *Collector {
	fq := func(name string) string {
		return prometheus.BuildFQName(namespace, "pool", name)
	}
	return &Collector{
		pool:      p,
		idle:      prometheus.NewDesc(fq("idle_connections"), "Idle connections across all hosts.", nil, nil),
		hostIdle:  prometheus.NewDesc(fq("host_idle_connections"), "Idle connections per destination.", []string{"destination"}, nil),
		oldest:    prometheus.NewDesc(fq("oldest_idle_seconds"), "Age of the oldest idle connection per destination.", []string{"destination"}, nil),
		hits:      prometheus.NewDesc(fq("checkout_hits_total"), "Checkouts served by an idle connection.", nil, nil),
		misses:    prometheus.NewDesc(fq("checkout_misses_total"), "Checkouts that found no idle connection.", nil, nil),
		evictions: prometheus.NewDesc(fq("evictions_total"), "Idle connections closed by the pool.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.idle
	ch <- c.hostIdle
	ch <- c.oldest
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	for _, h := range s.Hosts {
		ch <- prometheus.MustNewConstMetric(c.hostIdle, prometheus.GaugeValue, float64(h.Idle), h.Key.String())
		ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, h.OldestIdle.Seconds(), h.Key.String())
	}
}
