package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhooks_requests_total",
			Help: "Inbound webhook requests by outcome",
		},
		[]string{"provider", "outcome"},
	)

	authFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhooks_auth_failures_total",
			Help: "Webhook deliveries rejected by signature verification",
		},
		[]string{"reason"},
	)

	relayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhooks_relay_deliveries_total",
			Help: "Alert deliveries to the chat webhook by result",
		},
		[]string{"result"},
	)

	publishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailhooks_bus_publish_errors_total",
			Help: "Alert bus publish failures by driver",
		},
		[]string{"driver"},
	)
)

func IncRequest(provider, outcome string) {
	requestsTotal.WithLabelValues(provider, outcome).Inc()
}

func IncAuthFailure(reason string) {
	authFailures.WithLabelValues(reason).Inc()
}

func IncRelayDelivery(result string) {
	relayDeliveries.WithLabelValues(result).Inc()
}

func IncPublishError(driver string) {
	publishErrors.WithLabelValues(driver).Inc()
}
