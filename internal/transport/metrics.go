package transport

import "github.com/prometheus/client_golang/prometheus"

var (
	sendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_transport_sends_total",
			Help: "Batches handed to the transport",
		},
		[]string{"transport"},
	)

	sendErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_transport_errors_total",
			Help: "Failed sends by error type",
		},
		[]string{"transport", "error_type"},
	)

	sendBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_transport_bytes_total",
			Help: "Bytes written to the aggregator, after compression",
		},
		[]string{"transport"},
	)

	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "metrics_forwarder_transport_send_duration_seconds",
			Help:    "Time spent in a single send",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"transport"},
	)

	socketConnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_forwarder_transport_socket_connects_total",
		Help: "Successful socket connections",
	})

	socketDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_forwarder_transport_socket_disconnects_total",
		Help: "Socket connections dropped after a write error or close",
	})
)

func init() {
	prometheus.MustRegister(sendRequestsTotal)
	prometheus.MustRegister(sendErrorsTotal)
	prometheus.MustRegister(sendBytesTotal)
	prometheus.MustRegister(sendDuration)
	prometheus.MustRegister(socketConnectsTotal)
	prometheus.MustRegister(socketDisconnectsTotal)
}

func recordSendError(transport string, errType ErrorType) {
	sendErrorsTotal.WithLabelValues(transport, string(errType)).Inc()
}
