// Package metrics holds the prometheus counters of the client and relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every sealtalk metric. It is separate from the default
// registry so tests and embedders do not collide.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Messaging metrics
	MessagesSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "sealtalk_messages_sent_total",
		Help: "Messages handed to the transport",
	})
	MessagesFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sealtalk_messages_failed_total",
		Help: "Messages moved to the failed state",
	}, []string{"reason"})
	MessagesReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "sealtalk_messages_received_total",
		Help: "Inbound messages decrypted and stored",
	})
	DecryptFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "sealtalk_decrypt_failures_total",
		Help: "Inbound messages dropped because they could not be decrypted",
	})
	MessagesReplayed = factory.NewCounter(prometheus.CounterOpts{
		Name: "sealtalk_messages_replayed_total",
		Help: "Failed messages resent after reconnection",
	})

	// Transport metrics
	Reconnects = factory.NewCounter(prometheus.CounterOpts{
		Name: "sealtalk_transport_reconnects_total",
		Help: "Automatic reconnection attempts",
	})
	ConnectionState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sealtalk_transport_state",
		Help: "1 for the current transport state, 0 otherwise",
	}, []string{"state"})

	// Transfer metrics
	TransferBytes = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sealtalk_transfer_bytes_total",
		Help: "Attachment bytes moved",
	}, []string{"direction"})
	TransfersFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sealtalk_transfers_finished_total",
		Help: "Transfers that completed",
	}, []string{"direction"})
	TransfersFailed = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sealtalk_transfers_failed_total",
		Help: "Transfers that failed or were aborted",
	}, []string{"direction"})

	// Relay metrics
	RelaySessions = factory.NewGauge(prometheus.GaugeOpts{
		Name: "sealtalk_relay_sessions",
		Help: "Authenticated sessions on the relay",
	})
	RelayStanzas = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "sealtalk_relay_stanzas_total",
		Help: "Stanzas routed by the relay",
	}, []string{"type"})
)

// Handler exposes Registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
