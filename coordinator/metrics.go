package coordinator

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "mesh_share"

// Metrics instruments the coordinator. Each instance carries its own
// Prometheus registry so multiple coordinators (tests included) never fight
// over the default registerer.
type Metrics struct {
	registry *prometheus.Registry

	MessagesTotal   *prometheus.CounterVec
	MalformedTotal  prometheus.Counter
	DroppedTotal    prometheus.Counter
	AuthFailures    *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	FilesIndexed    prometheus.Gauge
	SessionsExpired prometheus.Counter
	FetchResolved   prometheus.Counter

	server *http.Server
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_messages_total",
			Help:      "Control messages processed, by message type.",
		}, []string{"type"}),
		MalformedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_malformed_total",
			Help:      "Control datagrams rejected as malformed.",
		}),
		DroppedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "control_dropped_total",
			Help:      "Control datagrams dropped for an unrecognized type.",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "auth_failures_total",
			Help:      "Failed authentication attempts, by reason.",
		}, []string{"reason"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_active",
			Help:      "Currently tracked peer sessions.",
		}),
		FilesIndexed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "files_indexed",
			Help:      "Filenames currently present in the file index.",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_expired_total",
			Help:      "Sessions evicted by the expiry sweep.",
		}),
		FetchResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fetch_resolved_total",
			Help:      "Fetch requests resolved to a live sharer.",
		}),
	}
}

// Handler exposes the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts the metrics HTTP listener in the background.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = m.server.ListenAndServe()
	}()
}

// Close stops the metrics listener if one was started.
func (m *Metrics) Close() {
	if m.server != nil {
		_ = m.server.Close()
	}
}
