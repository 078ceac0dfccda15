// Package metrics exposes pipeline instruments to Prometheus.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/colonyops/triage/internal/core/evidence"
	"github.com/colonyops/triage/internal/core/plan"
)

const namespace = "triage"

// Metrics groups every instrument. The zero value is not usable; a nil
// *Metrics is a no-op.
type Metrics struct {
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.HistogramVec
	runsTotal     *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stagesTotal   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	confidence    prometheus.Histogram
	postsTotal    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
}

// New registers the instruments with reg. Instruments already registered
// with reg are reused.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		stepsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "steps_total",
			Help:      "Investigation steps by kind, status and error code",
		}, []string{"kind", "status", "code"})),
		stepDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_duration_seconds",
			Help:      "Wall time of investigation steps including retries",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"kind"})),
		stepAttempts: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "step_attempts",
			Help:      "Collector invocations per step",
			Buckets:   []float64{0, 1, 2, 3},
		}, []string{"kind"})),
		runsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Finished runs by final state",
		}, []string{"state"})),
		runDuration: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of a run",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		})),
		stagesTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transitions_total",
			Help:      "State transitions by target state",
		}, []string{"state"})),
		decisions: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decider",
			Name:      "decisions_total",
			Help:      "Resolution strategies chosen, by planner hint",
		}, []string{"hint", "strategy"})),
		confidence: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decider",
			Name:      "confidence",
			Help:      "Evidence confidence of decisions",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		})),
		postsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "ticket_updates_total",
			Help:      "Ticket update writes by result (posted, verified, skipped, error)",
		}, []string{"result"})),
		modelDuration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "call_duration_seconds",
			Help:      "Latency of model calls by role and status",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"role", "status"})),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// ObserveStep records a finished investigation step.
func (m *Metrics) ObserveStep(kind plan.Kind, status evidence.Status, code string, attempts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(kind), string(status), code).Inc()
	m.stepDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
	m.stepAttempts.WithLabelValues(string(kind)).Observe(float64(attempts))
}

// Transition counts a run entering state.
func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.stagesTotal.WithLabelValues(state).Inc()
}

// RunFinished records a run ending in state after elapsed.
func (m *Metrics) RunFinished(state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(state).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// Decision records a resolution decision.
func (m *Metrics) Decision(hint, strategy string, confidence float64) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(hint, strategy).Inc()
	m.confidence.Observe(confidence)
}

// Update records the result of a ticket update write.
func (m *Metrics) Update(result string) {
	if m == nil {
		return
	}
	m.postsTotal.WithLabelValues(result).Inc()
}

// ModelCall records one model round trip.
func (m *Metrics) ModelCall(role string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.modelDuration.WithLabelValues(role, status).Observe(elapsed.Seconds())
}
