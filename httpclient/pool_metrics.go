package httpclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kroma-labs/courier-go/httpclient/pool"
)

// =============================================================================
// Pool Stats Types
// =============================================================================

// PoolStats is a snapshot of the client's connection pool.
//
// Example usage:
//
//	stats := client.PoolStats()
//	fmt.Printf("idle: %d, hit ratio: %.2f\n", stats.Idle, stats.HitRatio())
//	for _, h := range stats.Hosts {
//	    fmt.Printf("%s: %d idle, oldest %s\n", h.Key, h.Idle, h.OldestIdle)
//	}
type PoolStats struct {
	// MaxIdleConnsPerHost and IdleConnTimeout echo the configuration.
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Idle is the number of pooled connections across all destinations.
	Idle int

	// Hits and Misses count checkouts served and not served by the pool.
	Hits   int64
	Misses int64

	// Evictions counts connections closed by the pool itself.
	Evictions int64

	// Hosts lists the destinations holding idle connections.
	Hosts []pool.HostStats
}

// HitRatio returns the share of checkouts served by an idle connection.
func (s PoolStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// =============================================================================
// Client Methods
// =============================================================================

// PoolStats returns a snapshot of the connection pool.
func (c *Client) PoolStats() PoolStats {
	s := c.pool.Stats()
	return PoolStats{
		MaxIdleConnsPerHost: c.config.httpConfig.MaxIdleConnsPerHost,
		IdleConnTimeout:     c.config.httpConfig.IdleConnTimeout,
		Idle:                s.Idle,
		Hits:                s.Hits,
		Misses:              s.Misses,
		Evictions:           s.Evictions,
		Hosts:               s.Hosts,
	}
}

// PoolCollector returns a Prometheus collector over the client's pool.
//
// Example:
//
//	prometheus.MustRegister(client.PoolCollector("payments"))
func (c *Client) PoolCollector(namespace string) prometheus.Collector {
	return pool.NewCollector(c.pool, namespace)
}
