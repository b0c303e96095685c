package graphdb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exports Pool.Stats as Prometheus metrics.
type PoolCollector struct {
	pool *Pool

	capacity       *prometheus.Desc
	outstanding    *prometheus.Desc
	idle           *prometheus.Desc
	opened         *prometheus.Desc
	closed         *prometheus.Desc
	acquired       *prometheus.Desc
	timeouts       *prometheus.Desc
	healthFailures *prometheus.Desc
	waitSeconds    *prometheus.Desc
}

// NewPoolCollector creates a collector for pool. constLabels are attached
// to every metric, e.g. the database name.
func NewPoolCollector(pool *Pool, constLabels prometheus.Labels) *PoolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName("tenderflow", "graph_pool", name),
			help, nil, constLabels)
	}
	return &PoolCollector{
		pool:           pool,
		capacity:       desc("capacity", "Maximum number of open connections"),
		outstanding:    desc("outstanding", "Connections currently leased"),
		idle:           desc("idle", "Open connections waiting in the idle list"),
		opened:         desc("opened_total", "Connections opened"),
		closed:         desc("closed_total", "Connections closed"),
		acquired:       desc("acquired_total", "Successful lease acquisitions"),
		timeouts:       desc("acquire_timeouts_total", "Acquisitions that timed out"),
		healthFailures: desc("health_failures_total", "Idle connections replaced after a failed health check"),
		waitSeconds:    desc("wait_seconds_total", "Cumulative time callers waited to acquire"),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.outstanding
	ch <- c.idle
	ch <- c.opened
	ch <- c.closed
	ch <- c.acquired
	ch <- c.timeouts
	ch <- c.healthFailures
	ch <- c.waitSeconds
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.pool.Stats()

	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity))
	ch <- prometheus.MustNewConstMetric(c.outstanding, prometheus.GaugeValue, float64(s.Outstanding))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.opened, prometheus.CounterValue, float64(s.Opened))
	ch <- prometheus.MustNewConstMetric(c.closed, prometheus.CounterValue, float64(s.Closed))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(s.Timeouts))
	ch <- prometheus.MustNewConstMetric(c.healthFailures, prometheus.CounterValue, float64(s.HealthFailures))
	ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, s.TotalWait.Seconds())
}
