// Package telemetry exposes the orchestrator's Prometheus metrics. All
// methods are nil-safe so components can run unmetered in tests.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the orchestrator emits.
type Metrics struct {
	pollsTotal      prometheus.Counter
	pollErrorsTotal prometheus.Counter
	claimsTotal     *prometheus.CounterVec
	transitionsVec  *prometheus.CounterVec
	agentLatency    *prometheus.HistogramVec
	escalations     prometheus.Counter
	incidentsVec    *prometheus.CounterVec
}

// New registers the orchestrator collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		pollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_watcher_polls_total",
			Help: "Alert watcher poll iterations.",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_watcher_poll_errors_total",
			Help: "Alert watcher poll failures.",
		}),
		claimsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_watcher_claims_total",
			Help: "Alert claim attempts by outcome.",
		}, []string{"outcome"}),
		transitionsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_incident_transitions_total",
			Help: "Committed incident state transitions by edge.",
		}, []string{"from", "to"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vigil_agent_call_seconds",
			Help:    "A2A agent call latency by target agent.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"agent"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_escalations_total",
			Help: "Incident escalations triggered.",
		}),
		incidentsVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_incidents_total",
			Help: "Incidents reaching a terminal state, by resolution type.",
		}, []string{"resolution"}),
	}
	reg.MustRegister(m.pollsTotal, m.pollErrorsTotal, m.claimsTotal,
		m.transitionsVec, m.agentLatency, m.escalations, m.incidentsVec)
	return m
}

// PollCompleted records one watcher poll iteration.
func (m *Metrics) PollCompleted(err error) {
	if m == nil {
		return
	}
	m.pollsTotal.Inc()
	if err != nil {
		m.pollErrorsTotal.Inc()
	}
}

// ClaimAttempted records one alert claim attempt.
// outcome is one of won, lost, error.
func (m *Metrics) ClaimAttempted(outcome string) {
	if m == nil {
		return
	}
	m.claimsTotal.WithLabelValues(outcome).Inc()
}

// Transition records one committed state transition.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsVec.WithLabelValues(from, to).Inc()
}

// AgentCall records the latency of one A2A call.
func (m *Metrics) AgentCall(agent string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.agentLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// Escalated records one triggered escalation.
func (m *Metrics) Escalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

// Terminal records one incident reaching a terminal state.
func (m *Metrics) Terminal(resolution string) {
	if m == nil {
		return
	}
	m.incidentsVec.WithLabelValues(resolution).Inc()
}
