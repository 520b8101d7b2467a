// Package metrics exposes the hub's prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// InvokeCounter counts server-initiated calls.
	// Labels: method, status (ok|timeout|overloaded|no_target|error)
	InvokeCounter *prometheus.CounterVec

	// InvokeDuration measures call latency in seconds.
	// Labels: method
	InvokeDuration *prometheus.HistogramVec

	// InFlightInvokes tracks calls currently holding an admission permit.
	InFlightInvokes prometheus.Gauge

	// ConnectedUsers mirrors the registry's user count; ConnectedConnections
	// tracks the hub's addressable sockets, unauthenticated ones included.
	ConnectedUsers       prometheus.Gauge
	ConnectedConnections prometheus.Gauge

	// FrameCounter counts frames by type and direction.
	// Labels: type (call|reply|event), direction (inbound|outbound)
	FrameCounter *prometheus.CounterVec

	// BlobSpillovers counts responses diverted through the side-channel.
	BlobSpillovers prometheus.Counter
}

// New registers the hub metrics on the given registerer. Pass a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InvokeCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalhub_invokes_total",
				Help: "Total server-initiated client invocations",
			},
			[]string{"method", "status"},
		),
		InvokeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalhub_invoke_duration_seconds",
				Help:    "Invocation latency from admission to reply",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
			[]string{"method"},
		),
		InFlightInvokes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signalhub_invokes_in_flight",
			Help: "Invocations currently holding an admission permit",
		}),
		ConnectedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signalhub_connected_users",
			Help: "Users with at least one live connection",
		}),
		ConnectedConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "signalhub_connections",
			Help: "Live hub connections",
		}),
		FrameCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalhub_frames_total",
				Help: "Frames processed by type and direction",
			},
			[]string{"type", "direction"},
		),
		BlobSpillovers: factory.NewCounter(prometheus.CounterOpts{
			Name: "signalhub_blob_spillovers_total",
			Help: "Responses diverted through the blob side-channel",
		}),
	}
}

func (m *Metrics) ObserveInvoke(method, status string, elapsed time.Duration) {
	m.InvokeCounter.WithLabelValues(method, status).Inc()
	m.InvokeDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
