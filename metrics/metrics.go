// Package metrics exposes engine statistics as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/spindlehttp/spindle/core"
)

// EngineCollector implements prometheus.Collector over an engine's
// statistics snapshot. Collection is a handful of atomic loads, so scrape
// cost is negligible.
type EngineCollector struct {
	engine *core.Engine

	openConnections *prometheus.Desc
	accepted        *prometheus.Desc
	requests        *prometheus.Desc
	eventLoops      *prometheus.Desc

	workers        *prometheus.Desc
	activeWorkers  *prometheus.Desc
	queuedTasks    *prometheus.Desc
	queueCapacity  *prometheus.Desc
	tasksSubmitted *prometheus.Desc
	tasksCompleted *prometheus.Desc
	backpressured  *prometheus.Desc

	bufferAllocs   *prometheus.Desc
	bufferHits     *prometheus.Desc
	bufferDiscards *prometheus.Desc
	bufferFree     *prometheus.Desc
}

// NewEngineCollector creates a collector for e.
func NewEngineCollector(e *core.Engine) *EngineCollector {
	return &EngineCollector{
		engine: e,

		openConnections: prometheus.NewDesc("spindle_open_connections",
			"Currently open client connections.", nil, nil),
		accepted: prometheus.NewDesc("spindle_connections_accepted_total",
			"Connections accepted since start.", nil, nil),
		requests: prometheus.NewDesc("spindle_requests_total",
			"Requests completed since start.", nil, nil),
		eventLoops: prometheus.NewDesc("spindle_event_loops",
			"Number of running event loops.", nil, nil),

		workers: prometheus.NewDesc("spindle_workers",
			"Current worker pool size.", nil, nil),
		activeWorkers: prometheus.NewDesc("spindle_workers_active",
			"Workers currently executing a task.", nil, nil),
		queuedTasks: prometheus.NewDesc("spindle_worker_queue_depth",
			"Tasks waiting in the worker queue.", nil, nil),
		queueCapacity: prometheus.NewDesc("spindle_worker_queue_capacity",
			"Capacity of the worker queue.", nil, nil),
		tasksSubmitted: prometheus.NewDesc("spindle_worker_tasks_submitted_total",
			"Tasks submitted to the worker pool.", nil, nil),
		tasksCompleted: prometheus.NewDesc("spindle_worker_tasks_completed_total",
			"Tasks completed by the worker pool.", nil, nil),
		backpressured: prometheus.NewDesc("spindle_worker_backpressure_total",
			"Submissions routed through the backpressure policy.", nil, nil),

		bufferAllocs: prometheus.NewDesc("spindle_buffer_allocations_total",
			"Read buffers allocated because both pool tiers were empty.", nil, nil),
		bufferHits: prometheus.NewDesc("spindle_buffer_hits_total",
			"Read buffers served from a pool tier.", []string{"tier"}, nil),
		bufferDiscards: prometheus.NewDesc("spindle_buffer_discards_total",
			"Read buffers dropped because the global tier was full.", nil, nil),
		bufferFree: prometheus.NewDesc("spindle_buffer_global_free",
			"Buffers available in the global tier.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()

	ch <- prometheus.MustNewConstMetric(c.openConnections, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.accepted, prometheus.CounterValue, float64(s.Accepted))
	ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.Requests))
	ch <- prometheus.MustNewConstMetric(c.eventLoops, prometheus.GaugeValue, float64(s.EventLoops))

	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Workers.PoolSize))
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(s.Workers.ActiveWorkers))
	ch <- prometheus.MustNewConstMetric(c.queuedTasks, prometheus.GaugeValue, float64(s.Workers.QueuedTasks))
	ch <- prometheus.MustNewConstMetric(c.queueCapacity, prometheus.GaugeValue, float64(s.Workers.QueueCapacity))
	ch <- prometheus.MustNewConstMetric(c.tasksSubmitted, prometheus.CounterValue, float64(s.Workers.Submitted))
	ch <- prometheus.MustNewConstMetric(c.tasksCompleted, prometheus.CounterValue, float64(s.Workers.Completed))
	ch <- prometheus.MustNewConstMetric(c.backpressured, prometheus.CounterValue, float64(s.Workers.Backpressured))

	ch <- prometheus.MustNewConstMetric(c.bufferAllocs, prometheus.CounterValue, float64(s.Buffers.Allocations))
	ch <- prometheus.MustNewConstMetric(c.bufferHits, prometheus.CounterValue, float64(s.Buffers.LocalHits), "local")
	ch <- prometheus.MustNewConstMetric(c.bufferHits, prometheus.CounterValue, float64(s.Buffers.GlobalHits), "global")
	ch <- prometheus.MustNewConstMetric(c.bufferDiscards, prometheus.CounterValue, float64(s.Buffers.Discards))
	ch <- prometheus.MustNewConstMetric(c.bufferFree, prometheus.GaugeValue, float64(s.Buffers.GlobalFree))
}

// Register registers the collector for e on reg. Pass nil to use the
// default registerer.
func Register(e *core.Engine, reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := NewEngineCollector(e)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}
