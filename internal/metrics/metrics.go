package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetbot/internal/pipeline"
)

const namespace = "fleetbot"

// Metrics holds the fleet's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	transitions *prometheus.CounterVec
	running     prometheus.Gauge
	workerState *prometheus.GaugeVec
	workerErrs  *prometheus.CounterVec
	slotRuns    *prometheus.CounterVec
	slotSeconds *prometheus.HistogramVec
	steps       *prometheus.CounterVec
	actions     *prometheus.CounterVec
	busDropped  prometheus.CounterFunc
}

// States lists every worker status label, used to zero the other states
// when one is set.
var States = []string{"idle", "starting", "running", "stopping", "stopped", "errored"}

// New registers the collectors on a fresh registry. dropped reports the
// event bus drop counter; nil skips it.
func New(dropped func() uint64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_transitions_total",
			Help:      "Worker status transitions by target state.",
		}, []string{"state"}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_running",
			Help:      "Tenants whose worker is currently running.",
		}),
		workerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_state",
			Help:      "1 for the tenant's current worker status.",
		}, []string{"tenant", "state"}),
		workerErrs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_errors_total",
			Help:      "Errors recorded per tenant.",
		}, []string{"tenant"}),
		slotRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_runs_total",
			Help:      "Completed slot runs.",
		}, []string{"tenant", "slot"}),
		slotSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "slot_duration_seconds",
			Help:      "Slot run duration.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600},
		}, []string{"slot"}),
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_steps_total",
			Help:      "Pipeline steps by outcome.",
		}, []string{"step", "outcome"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_actions_total",
			Help:      "Successful platform side effects.",
		}, []string{"tenant", "step"}),
	}
	if dropped != nil {
		m.busDropped = f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(dropped()) })
	}
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// ObserveState records a tenant's new status.
func (m *Metrics) ObserveState(tenant, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		m.workerState.WithLabelValues(tenant, s).Set(v)
	}
}

func (m *Metrics) SetRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}

func (m *Metrics) ObserveError(tenant string) {
	if m == nil {
		return
	}
	m.workerErrs.WithLabelValues(tenant).Inc()
}

// ObserveReport records a finished slot run.
func (m *Metrics) ObserveReport(r pipeline.Report) {
	if m == nil {
		return
	}
	m.slotRuns.WithLabelValues(r.Tenant, r.Slot).Inc()
	m.slotSeconds.WithLabelValues(r.Slot).Observe(r.Duration.Seconds())
	for _, s := range r.Steps {
		m.steps.WithLabelValues(string(s.Step), string(s.Outcome)).Inc()
		if s.Count > 0 {
			m.actions.WithLabelValues(r.Tenant, string(s.Step)).Add(float64(s.Count))
		}
	}
}
