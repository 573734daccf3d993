// CLAUDE:SUMMARY Prometheus metrics on a private registry: cache lookups, tier latency and budget violations, actions, sessions, dispatch failures.
package pilot

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/dompilot/action"
	"github.com/hazyhaar/dompilot/fault"
	"github.com/hazyhaar/dompilot/observability"
	"github.com/hazyhaar/dompilot/perception"
)

const namespace = "dompilot"

// Metrics holds every collector dompilot exports. It implements
// perception.Observer and session.Observer.
type Metrics struct {
	reg *prometheus.Registry

	cacheLookups     *prometheus.CounterVec
	cacheErrors      prometheus.Counter
	tierDuration     *prometheus.HistogramVec
	budgetViolations *prometheus.CounterVec
	actions          *prometheus.CounterVec
	actionAttempts   prometheus.Histogram
	sessionsActive   prometheus.Gauge
	sessionsReaped   prometheus.Counter
	dispatchFailures *prometheus.CounterVec

	events *observability.EventLog
}

// NewMetrics registers the collectors on a fresh registry, alongside the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Perception cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		cacheErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_errors_total",
			Help:      "Perception cache failures treated as misses.",
		}),
		tierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "perception_duration_seconds",
			Help:      "Duration of uncached tier runs.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}, []string{"tier"}),
		budgetViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_violations_total",
			Help:      "Tier runs that exceeded their latency budget multiple.",
		}, []string{"tier"}),
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Executed actions by type, result and failure reason.",
		}, []string{"type", "result", "reason"}),
		actionAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_attempts",
			Help:      "Attempts consumed per action.",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}),
		sessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Live browser sessions.",
		}),
		sessionsReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_reaped_total",
			Help:      "Sessions reclaimed by the idle reaper.",
		}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Façade operations that could not run, by op and error code.",
		}, []string{"op", "code"}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) ObserveCache(t perception.Tier, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(t.String(), result).Inc()
}

func (m *Metrics) ObserveCacheError(err error) {
	m.cacheErrors.Inc()
	m.events.LogAsync(m.events.NewEvent(observability.KindError, "", "cache", nil, err, 0))
}

func (m *Metrics) ObserveTier(t perception.Tier, d time.Duration, exceeded bool) {
	m.tierDuration.WithLabelValues(t.String()).Observe(d.Seconds())
	if exceeded {
		m.budgetViolations.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) ObserveSessions(active int) { m.sessionsActive.Set(float64(active)) }

func (m *Metrics) ObserveReaped(n int) { m.sessionsReaped.Add(float64(n)) }

func (m *Metrics) observeOutcome(o *action.Outcome) {
	result := "success"
	if !o.Success {
		result = "failure"
	}
	m.actions.WithLabelValues(string(o.Type), result, string(o.Reason)).Inc()
	m.actionAttempts.Observe(float64(o.Attempts))
}

func (m *Metrics) observeDispatchFailure(op string, code fault.Code) {
	m.dispatchFailures.WithLabelValues(op, string(code)).Inc()
}
