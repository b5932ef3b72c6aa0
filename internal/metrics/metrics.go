// Package metrics exposes Prometheus metrics for the vault: event counts fed from the
// event bus, queue depths, domain health, and component liveness.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/msageha/taskvault/internal/eventlog"
	"github.com/msageha/taskvault/internal/health"
)

const namespace = "taskvault"

// Metrics owns its registry so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	domainFailures *prometheus.GaugeVec
	domainDown     *prometheus.GaugeVec
	componentUp    *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		// Labels: action, source, result
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events recorded to the vault event log",
		}, []string{"action", "source", "result"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Artifacts currently in each vault stage",
		}, []string{"stage"}),
		domainFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain",
			Name:      "consecutive_failures",
			Help:      "Consecutive dispatch failures per domain",
		}, []string{"domain"}),
		domainDown: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "domain",
			Name:      "down",
			Help:      "1 while the domain's breaker holds new tasks, 0 otherwise",
		}, []string{"domain"}),
		componentUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "up",
			Help:      "1 when the component's pid record names a live process",
		}, []string{"component"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe counts one event.
func (m *Metrics) Observe(e eventlog.Entry) {
	m.events.WithLabelValues(e.Action, e.Source, e.Result).Inc()
}

// Subscribe counts every entry published on bus until the returned func is called.
func (m *Metrics) Subscribe(bus *eventlog.Bus) func() {
	return bus.Subscribe(m.Observe)
}

func (m *Metrics) SetQueueDepth(stage string, n int) {
	m.queueDepth.WithLabelValues(stage).Set(float64(n))
}

func (m *Metrics) SetDomain(s health.DomainStatus) {
	d := string(s.Domain)
	m.domainFailures.WithLabelValues(d).Set(float64(s.Failures))
	down := 0.0
	if s.State == health.StateDown {
		down = 1
	}
	m.domainDown.WithLabelValues(d).Set(down)
}

func (m *Metrics) SetComponent(name string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.componentUp.WithLabelValues(name).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
