package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unistream_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	breakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker",
		},
		[]string{"name", "state", "result"},
	)

	breakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unistream_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "from_state", "to_state"},
	)
)

// instrument installs a state-change hook that keeps the Prometheus gauges in
// step with the breaker. Wrappers call recordRequest after every operation.
func instrument(cb *CircuitBreaker) {
	original := cb.config.OnStateChange
	cb.config.OnStateChange = func(name string, from, to State) {
		if original != nil {
			original(name, from, to)
		}
		breakerStateChanges.WithLabelValues(name, from.String(), to.String()).Inc()
		breakerState.WithLabelValues(name).Set(float64(to))
	}
}

func recordRequest(name string, state State, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	breakerRequests.WithLabelValues(name, state.String(), result).Inc()
}
