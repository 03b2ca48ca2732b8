package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesleyorama2/volley/internal/load"
)

// Prometheus exports outcomes as Prometheus metrics. It implements
// load.Observer. Each instance owns its registry so several runs can
// coexist in one process.
type Prometheus struct {
	registry *prometheus.Registry

	outcomes    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	bytes       *prometheus.CounterVec
	activeUsers prometheus.Gauge
	targetUsers prometheus.Gauge
}

// NewPrometheus creates an exporter with its metrics registered.
func NewPrometheus(runID string) *Prometheus {
	labels := prometheus.Labels{"run": runID}
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "volley",
			Name:        "outcomes_total",
			Help:        "Task and initializer outcomes by name, kind and result",
			ConstLabels: labels,
		}, []string{"root", "name", "kind", "result", "error_kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "volley",
			Name:        "task_duration_seconds",
			Help:        "Latency distribution of task executions",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
		}, []string{"root", "name"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "volley",
			Name:        "response_bytes_total",
			Help:        "Response body bytes received",
			ConstLabels: labels,
		}, []string{"root", "name"}),
		activeUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "volley",
			Name:        "active_users",
			Help:        "Virtual users currently running",
			ConstLabels: labels,
		}),
		targetUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "volley",
			Name:        "target_users",
			Help:        "Virtual users the ramp currently asks for",
			ConstLabels: labels,
		}),
	}
	p.registry.MustRegister(p.outcomes, p.duration, p.bytes, p.activeUsers, p.targetUsers)
	return p
}

// Observe implements load.Observer.
func (p *Prometheus) Observe(o load.Outcome) {
	result := "success"
	if !o.Success {
		result = "failure"
	}
	p.outcomes.WithLabelValues(o.Root, o.Name, string(o.Kind), result, string(o.ErrKind)).Inc()
	if o.Kind == load.KindTask {
		p.duration.WithLabelValues(o.Root, o.Name).Observe(o.Duration.Seconds())
		p.bytes.WithLabelValues(o.Root, o.Name).Add(float64(o.Bytes))
	}
}

// SetUsers updates the user gauges.
func (p *Prometheus) SetUsers(active, target int) {
	p.activeUsers.Set(float64(active))
	p.targetUsers.Set(float64(target))
}

// Registry returns the exporter's registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the exporter's metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
