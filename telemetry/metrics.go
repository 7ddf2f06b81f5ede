// Package telemetry holds the process-wide Prometheus registry. Metrics are
// served from an optional side listener; the wire protocol on stdout is
// never touched.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glomers",
			Name:      "messages_received_total",
			Help:      "Inbound messages by body type.",
		},
		[]string{"type"},
	)

	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glomers",
			Name:      "messages_sent_total",
			Help:      "Outbound messages written to the network.",
		},
	)

	RPCTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glomers",
			Name:      "rpc_timeouts_total",
			Help:      "Synchronous RPC calls that were canceled before a reply arrived.",
		},
	)

	DeliveryRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glomers",
			Name:      "delivery_retries_total",
			Help:      "Re-sends issued by reliable delivery.",
		},
	)
)

func init() {
	Registry.MustRegister(MessagesReceived, MessagesSent, RPCTimeouts, DeliveryRetries)
}

// Handler exposes the registry. Mount it on the -metrics-addr listener.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
