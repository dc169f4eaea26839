// Package metrics holds the Prometheus collectors exported by the mailer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_messages_sent_total",
		Help: "Total number of messages handed to a transport successfully",
	}, []string{"transport"})
	SendFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_send_failures_total",
		Help: "Total number of messages a transport failed to send",
	}, []string{"transport"})
	ConnectionsOpened = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_connections_opened_total",
		Help: "Total number of transport connections opened",
	}, []string{"transport"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_http_requests_total",
		Help: "Total number of HTTP requests by route and status code",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(SendFailures)
	prometheus.MustRegister(ConnectionsOpened)
	prometheus.MustRegister(HTTPRequests)
}
