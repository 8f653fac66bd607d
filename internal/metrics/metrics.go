// Package metrics exposes Prometheus counters for the enforcement layer.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coal/shieldwall/internal/csp"
	"github.com/coal/shieldwall/internal/monitor"
)

// Unconfigured labels admissions for actions without a limit.
const Unconfigured = "unconfigured"

// Metrics owns a private registry.
type Metrics struct {
	registry *prometheus.Registry

	EventsTotal        *prometheus.CounterVec
	AdmissionsTotal    *prometheus.CounterVec
	CSPViolationsTotal *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	SanitizeSeconds    *prometheus.HistogramVec
}

// New creates the collectors. withRuntime adds the Go and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldwall_security_events_total",
				Help: "Security events recorded by the monitor",
			},
			[]string{"type", "severity"},
		),
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldwall_ratelimit_decisions_total",
				Help: "Rate limiter admission decisions",
			},
			[]string{"action", "result"},
		),
		CSPViolationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldwall_csp_violations_total",
				Help: "CSP violations reported by browsers, by directive family",
			},
			[]string{"directive"},
		),
		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shieldwall_sink_deliveries_total",
				Help: "Outbound deliveries of forwarded events",
			},
			[]string{"sink", "result"},
		),
		SanitizeSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shieldwall_sanitize_duration_seconds",
				Help:    "Time spent sanitizing markup",
				Buckets: []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
			},
			[]string{"policy"},
		),
	}
}

// ObserveEvent is a monitor listener.
func (m *Metrics) ObserveEvent(e monitor.Event) {
	m.EventsTotal.WithLabelValues(e.Type.String(), e.Severity.String()).Inc()
	if e.Type == monitor.CSPViolation {
		m.CSPViolationsTotal.WithLabelValues(csp.KnownFamily(e.Details.GetString("directive"))).Inc()
	}
}

// ObserveAdmission counts one limiter decision. Actions without a configured
// limit share the Unconfigured label.
func (m *Metrics) ObserveAdmission(action string, configured, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	if !configured {
		action = Unconfigured
	}
	m.AdmissionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveSanitize records how long one sanitize call took.
func (m *Metrics) ObserveSanitize(policy string, d time.Duration) {
	m.SanitizeSeconds.WithLabelValues(policy).Observe(d.Seconds())
}

// InstrumentSink counts deliveries made through s under name.
func (m *Metrics) InstrumentSink(name string, s monitor.Sink) monitor.Sink {
	return &instrumentedSink{name: name, next: s, counter: m.DeliveriesTotal}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type instrumentedSink struct {
	name    string
	next    monitor.Sink
	counter *prometheus.CounterVec
}

func (s *instrumentedSink) Deliver(ctx context.Context, e monitor.Event) error {
	err := s.next.Deliver(ctx, e)
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.counter.WithLabelValues(s.name, result).Inc()
	return err
}
