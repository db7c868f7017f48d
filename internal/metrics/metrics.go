// Package metrics exposes Prometheus instrumentation for the bus, worker
// pool, memory tracker and reactor. Unlike a package-global registry, a
// Metrics value owns its own prometheus.Registry so tests (and, in
// principle, multiple bus instances in one process) don't collide on
// metric registration.
package metrics

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error severities, mirrored on the error counter's "severity" label.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
	SeverityFatal    = "fatal"
)

// Error types, mirrored on the error counter's "type" label.
const (
	ErrorTypeReactor = "reactor"
	ErrorTypeBus     = "bus"
	ErrorTypeModule  = "module"
	ErrorTypeNATS    = "nats"
)

// Metrics holds every counter, gauge and histogram actorbusd exposes.
type Metrics struct {
	registry *prometheus.Registry

	GlobalQueueLength prometheus.Gauge
	MailboxDepth      *prometheus.GaugeVec

	DispatchTotal    prometheus.Counter
	DispatchDuration prometheus.Histogram
	HandlerPanics    prometheus.Counter

	MemoryUsageBytes   prometheus.Gauge
	MemoryBlocks       prometheus.Gauge
	ServiceMemoryBytes *prometheus.GaugeVec

	SocketsAccepted prometheus.Counter
	SocketsActive   prometheus.Gauge
	SocketsClosed   *prometheus.CounterVec
	WriteQueueBytes prometheus.Gauge

	ModulesLoaded prometheus.Gauge

	NATSConnected       prometheus.Gauge
	NATSMessagesBridged prometheus.Counter
	NATSMessagesDropped prometheus.Counter

	CPUUsagePercent  prometheus.Gauge
	GoroutinesActive prometheus.Gauge

	ErrorsTotal *prometheus.CounterVec
}

// New builds a Metrics with every series registered against a fresh
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		GlobalQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_global_queue_length",
			Help: "Number of mailboxes currently pending on the global run queue",
		}),
		MailboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actorbus_mailbox_depth",
			Help: "Number of queued messages for a service handle",
		}, []string{"handle"}),

		DispatchTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actorbus_dispatch_total",
			Help: "Total number of messages dispatched from mailboxes to handlers",
		}),
		DispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "actorbus_dispatch_duration_seconds",
			Help:    "Handler execution time per dispatched message",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actorbus_handler_panics_total",
			Help: "Total number of service handler invocations that panicked",
		}),

		MemoryUsageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_memory_usage_bytes",
			Help: "Total bytes currently tracked as allocated across all service handles",
		}),
		MemoryBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_memory_blocks",
			Help: "Total live allocation count tracked across all service handles",
		}),
		ServiceMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "actorbus_service_memory_bytes",
			Help: "Bytes tracked as allocated for a specific service handle",
		}, []string{"handle"}),

		SocketsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actorbus_sockets_accepted_total",
			Help: "Total number of inbound connections accepted",
		}),
		SocketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_sockets_active",
			Help: "Current number of connected sockets",
		}),
		SocketsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorbus_sockets_closed_total",
			Help: "Total sockets closed, by reason",
		}, []string{"reason"}),
		WriteQueueBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_write_queue_bytes",
			Help: "Bytes currently buffered in high and low priority write queues",
		}),

		ModulesLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_modules_loaded",
			Help: "Number of dynamically loaded modules currently registered",
		}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_nats_connected",
			Help: "NATS bridge connection status (1=connected, 0=disconnected)",
		}),
		NATSMessagesBridged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actorbus_nats_messages_bridged_total",
			Help: "Total NATS messages forwarded into the bus",
		}),
		NATSMessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "actorbus_nats_messages_dropped_total",
			Help: "Total NATS messages dropped because the target mailbox was not registered",
		}),

		CPUUsagePercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_cpu_usage_percent",
			Help: "Most recently sampled process CPU usage percentage",
		}),
		GoroutinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "actorbus_goroutines_active",
			Help: "Current number of goroutines",
		}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "actorbus_errors_total",
			Help: "Total errors by type and severity",
		}, []string{"type", "severity"}),
	}

	reg.MustRegister(
		m.GlobalQueueLength, m.MailboxDepth,
		m.DispatchTotal, m.DispatchDuration, m.HandlerPanics,
		m.MemoryUsageBytes, m.MemoryBlocks, m.ServiceMemoryBytes,
		m.SocketsAccepted, m.SocketsActive, m.SocketsClosed, m.WriteQueueBytes,
		m.ModulesLoaded,
		m.NATSConnected, m.NATSMessagesBridged, m.NATSMessagesDropped,
		m.CPUUsagePercent, m.GoroutinesActive,
		m.ErrorsTotal,
	)
	return m
}

// Handler returns an http.Handler serving this Metrics' registry in the
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordError increments the error counter for typ/severity.
func (m *Metrics) RecordError(typ, severity string) {
	m.ErrorsTotal.WithLabelValues(typ, severity).Inc()
}

// RecordSocketClosed increments the closed-socket counter for reason.
func (m *Metrics) RecordSocketClosed(reason string) {
	m.SocketsClosed.WithLabelValues(reason).Inc()
}

// Sampler is anything Collector can poll for the global-queue gauge; the
// bus satisfies it. Collector treats a nil source as "not wired" and
// skips it.
type Sampler interface {
	PendingMailboxes() int
}

// MemSampler reports the memory tracker's running totals.
type MemSampler interface {
	Usage() uint64
	Blocks() uint64
	UsageFor(handle uint32) uint64
}

// Collector periodically pulls gauge values from the bus and memory
// tracker into a Metrics, mirroring the teacher's ticker-driven
// collection loop.
type Collector struct {
	metrics      *Metrics
	bus          Sampler
	mem          MemSampler
	watchHandles []uint32
	stopCh       chan struct{}
}

// NewCollector returns a Collector sampling bus and mem into metrics.
// Either source may be nil to skip that family of gauges.
func NewCollector(metrics *Metrics, bus Sampler, mem MemSampler) *Collector {
	return &Collector{metrics: metrics, bus: bus, mem: mem, stopCh: make(chan struct{})}
}

// WatchHandles tells the collector to also export a per-handle memory
// gauge for each of the given service handles on every tick.
func (c *Collector) WatchHandles(handles []uint32) {
	c.watchHandles = handles
}

// Start begins sampling at interval until Stop is called.
func (c *Collector) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the collector's sampling goroutine.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if c.bus != nil {
		c.metrics.GlobalQueueLength.Set(float64(c.bus.PendingMailboxes()))
	}
	if c.mem != nil {
		c.metrics.MemoryUsageBytes.Set(float64(c.mem.Usage()))
		c.metrics.MemoryBlocks.Set(float64(c.mem.Blocks()))
		for _, h := range c.watchHandles {
			c.metrics.ServiceMemoryBytes.WithLabelValues(fmt.Sprintf("%d", h)).Set(float64(c.mem.UsageFor(h)))
		}
	}
	c.metrics.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}
