// Package metrics holds the prometheus collectors exported by the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "framerelay"

type Metrics struct {
	registry *prometheus.Registry

	ProducersConnected   prometheus.Gauge
	SubscribersConnected prometheus.Gauge
	Admissions           *prometheus.CounterVec
	Evictions            *prometheus.CounterVec
	FramesForwarded      prometheus.Counter
	FramesDropped        *prometheus.CounterVec
	BytesForwarded       prometheus.Counter
	ChunksSent           prometheus.Counter
	ControlMessages      *prometheus.CounterVec
	IdentityChanges      prometheus.Counter
	MemoryAvailable      prometheus.Gauge
	LowMemorySkips       prometheus.Counter
	ForcedResets         prometheus.Counter
	SubscriberDrops      prometheus.Counter
	SinkPublishes        *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ProducersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "producers",
			Name:      "connected",
			Help:      "Number of occupied producer slots",
		}),
		SubscribersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "connected",
			Help:      "Number of connected subscribers",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producers",
			Name:      "admissions_total",
			Help:      "Producer admission attempts by result",
		}, []string{"result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producers",
			Name:      "evictions_total",
			Help:      "Producer evictions by reason",
		}, []string{"reason"}),
		FramesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "forwarded_total",
			Help:      "Frames forwarded to subscribers",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames dropped before forwarding, by reason",
		}, []string{"reason"}),
		BytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "forwarded_bytes_total",
			Help:      "Frame bytes forwarded to subscribers",
		}),
		ChunksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "chunks_total",
			Help:      "Binary chunks broadcast",
		}),
		ControlMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "messages_total",
			Help:      "Producer control messages by result",
		}, []string{"result"}),
		IdentityChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "producers",
			Name:      "identity_changes_total",
			Help:      "Camera identity reassignments",
		}),
		MemoryAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "available_bytes",
			Help:      "Last sampled available memory",
		}),
		LowMemorySkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "skipped_reads_total",
			Help:      "Slot reads skipped because memory was below the admission threshold",
		}),
		ForcedResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "forced_resets_total",
			Help:      "Full producer resets caused by sustained memory pressure",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscribers",
			Name:      "dropped_total",
			Help:      "Subscribers disconnected because their queue was full",
		}),
		SinkPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "publishes_total",
			Help:      "Event sink publishes by sink and result",
		}, []string{"sink", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProducersConnected,
		m.SubscribersConnected,
		m.Admissions,
		m.Evictions,
		m.FramesForwarded,
		m.FramesDropped,
		m.BytesForwarded,
		m.ChunksSent,
		m.ControlMessages,
		m.IdentityChanges,
		m.MemoryAvailable,
		m.LowMemorySkips,
		m.ForcedResets,
		m.SubscriberDrops,
		m.SinkPublishes,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
