package provision

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// StepOutcomes counts provisioning step outcomes
	StepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keycloak_setup_step_outcomes_total",
			Help: "Total number of provisioning step outcomes per step",
		},
		[]string{"step", "outcome"},
	)

	// APIRequests counts Keycloak admin API requests
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keycloak_setup_api_requests_total",
			Help: "Total number of Keycloak API requests",
		},
		[]string{"method", "status"},
	)
)

func init() {
	prometheus.MustRegister(StepOutcomes, APIRequests)
}

// RecordStep records the outcome of one provisioning operation.
func RecordStep(step string, o Outcome) {
	StepOutcomes.WithLabelValues(step, o.String()).Inc()
}

// RecordAPIRequest records one Keycloak API round trip. Wire it into
// keycloak.Config.Observe.
func RecordAPIRequest(method string, status int) {
	APIRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}
