// Package metrics exposes Prometheus counters for protocol exchanges,
// simulated errors and handshakes.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var exchangeMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mspsim",
	Name:      "exchange_messages_total",
	Help:      "Number of protocol messages written to the exchange log.",
}, []string{"direction", "method", "endpoint", "code"})

var simulatedErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mspsim",
	Name:      "simulated_errors_total",
	Help:      "Number of forced 401/403 responses by endpoint and scope.",
}, []string{"endpoint", "scope", "code"})

var handshakes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "mspsim",
	Name:      "handshakes_total",
	Help:      "Number of handshake and revoke operations by outcome.",
}, []string{"operation", "outcome"})

// ObserveExchange counts one exchange log entry.
func ObserveExchange(direction, method, endpoint string, code int) {
	exchangeMessages.With(prometheus.Labels{
		"direction": direction,
		"method":    method,
		"endpoint":  endpoint,
		"code":      strconv.Itoa(code),
	}).Inc()
}

// ObserveSimulatedError counts one forced authorization failure.
func ObserveSimulatedError(endpoint, scope string, code int) {
	if len(endpoint) == 0 || len(scope) == 0 {
		return
	}
	simulatedErrors.With(prometheus.Labels{
		"endpoint": endpoint,
		"scope":    scope,
		"code":     strconv.Itoa(code),
	}).Inc()
}

// ObserveHandshake counts one orchestrator operation.
func ObserveHandshake(operation string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	handshakes.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}
