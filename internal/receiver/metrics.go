package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	protocolUDP   = "udp"
	protocolHTTP  = "http"
	protocolLines = "lines"
)

var (
	receiverRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_forwarder_receiver_requests_total",
		Help: "Total number of packets, requests or streams received",
	}, []string{"protocol"})

	receiverSamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_forwarder_receiver_samples_total",
		Help: "Total number of samples accepted and handed to the forwarder",
	}, []string{"protocol"})

	receiverErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "metrics_forwarder_receiver_errors_total",
		Help: "Total number of receiver errors",
	}, []string{"protocol", "type"})
)

func init() {
	prometheus.MustRegister(receiverRequestsTotal)
	prometheus.MustRegister(receiverSamplesTotal)
	prometheus.MustRegister(receiverErrorsTotal)

	for _, p := range []string{protocolUDP, protocolHTTP, protocolLines} {
		receiverRequestsTotal.WithLabelValues(p).Add(0)
		receiverSamplesTotal.WithLabelValues(p).Add(0)
		receiverErrorsTotal.WithLabelValues(p, "malformed").Add(0)
		receiverErrorsTotal.WithLabelValues(p, "read").Add(0)
	}
	receiverErrorsTotal.WithLabelValues(protocolHTTP, "decompress").Add(0)
	receiverErrorsTotal.WithLabelValues(protocolHTTP, "decode").Add(0)
	receiverErrorsTotal.WithLabelValues(protocolHTTP, "auth").Add(0)
}

func incErrors(protocol, errorType string, n int) {
	if n > 0 {
		receiverErrorsTotal.WithLabelValues(protocol, errorType).Add(float64(n))
	}
}
