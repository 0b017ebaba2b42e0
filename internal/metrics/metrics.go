// Package metrics counts credential lifecycle and onboarding outcomes with Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is what the auth and onboarding packages report to.
type Recorder interface {
	RecordAuthOperation(operation, outcome string)
	RecordResolve(outcome string)
	RecordSessionState(state string)
}

// Collector is the Prometheus backed Recorder.
type Collector struct {
	authOperations *prometheus.CounterVec
	resolves       *prometheus.CounterVec
	sessionStates  *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyteller_auth_operations_total",
			Help: "Credential lifecycle operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyteller_onboarding_resolves_total",
			Help: "Onboarding status resolutions by outcome",
		}, []string{"outcome"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyteller_session_transitions_total",
			Help: "Session store transitions by resulting state",
		}, []string{"state"}),
	}

	reg.MustRegister(c.authOperations, c.resolves, c.sessionStates)
	return c
}

func (c *Collector) RecordAuthOperation(operation, outcome string) {
	c.authOperations.WithLabelValues(operation, outcome).Inc()
}

func (c *Collector) RecordResolve(outcome string) {
	c.resolves.WithLabelValues(outcome).Inc()
}

func (c *Collector) RecordSessionState(state string) {
	c.sessionStates.WithLabelValues(state).Inc()
}

// Nop discards everything. It is the default when no collector is configured.
type Nop struct{}

func (Nop) RecordAuthOperation(string, string) {}
func (Nop) RecordResolve(string)               {}
func (Nop) RecordSessionState(string)          {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
