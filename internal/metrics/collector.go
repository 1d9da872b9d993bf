// Package metrics owns the prometheus registry of one server instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "streamroom"

// Collector is passed to every component that reports metrics. A nil
// *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	connections         prometheus.Gauge
	framesReceived      *prometheus.CounterVec
	framesDeduplicated  *prometheus.CounterVec
	framesPersisted     *prometheus.CounterVec
	persistFailures     *prometheus.CounterVec
	bytesReceived       *prometheus.CounterVec
	broadcastDrops      *prometheus.CounterVec
	malformed           *prometheus.CounterVec
	admissionRejections *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	memoryBytes         prometheus.Gauge
}

func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Currently admitted stream connections.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Frames received per room and kind.",
		}, []string{"room", "kind"}),
		framesDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_deduplicated_total",
			Help: "Video frames skipped by the dedup cache.",
		}, []string{"room"}),
		framesPersisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_persisted_total",
			Help: "Frames written to the frame store.",
		}, []string{"room"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persist_failures_total",
			Help: "Frame writes that failed after retries.",
		}, []string{"room"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Payload bytes received per room.",
		}, []string{"room"}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "broadcast_drops_total",
			Help: "Buffered messages evicted from slow subscribers.",
		}, []string{"room"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_messages_total",
			Help: "Inbound messages dropped because they could not be decoded.",
		}, []string{"room"}),
		admissionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "admission_rejections_total",
			Help: "Rejected connection attempts by reason.",
		}, []string{"reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "0 closed, 1 open, 2 half open.",
		}, []string{"name"}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "process_rss_bytes",
			Help: "Resident set size seen by the resource monitor.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connections, c.framesReceived, c.framesDeduplicated, c.framesPersisted,
		c.persistFailures, c.bytesReceived, c.broadcastDrops, c.malformed,
		c.admissionRejections, c.breakerState, c.memoryBytes,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) SetConnections(n int64) {
	if c == nil {
		return
	}
	c.connections.Set(float64(n))
}

func (c *Collector) FrameReceived(room, kind string, size int) {
	if c == nil {
		return
	}
	c.framesReceived.WithLabelValues(room, kind).Inc()
	c.bytesReceived.WithLabelValues(room).Add(float64(size))
}

func (c *Collector) FrameDeduplicated(room string) {
	if c == nil {
		return
	}
	c.framesDeduplicated.WithLabelValues(room).Inc()
}

func (c *Collector) FramePersisted(room string) {
	if c == nil {
		return
	}
	c.framesPersisted.WithLabelValues(room).Inc()
}

func (c *Collector) PersistFailed(room string) {
	if c == nil {
		return
	}
	c.persistFailures.WithLabelValues(room).Inc()
}

func (c *Collector) BroadcastDropped(room string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.broadcastDrops.WithLabelValues(room).Add(float64(n))
}

func (c *Collector) Malformed(room string) {
	if c == nil {
		return
	}
	c.malformed.WithLabelValues(room).Inc()
}

func (c *Collector) AdmissionRejected(reason string) {
	if c == nil {
		return
	}
	c.admissionRejections.WithLabelValues(reason).Inc()
}

func (c *Collector) BreakerState(name string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(float64(state))
}

func (c *Collector) SetMemory(rss uint64) {
	if c == nil {
		return
	}
	c.memoryBytes.Set(float64(rss))
}
