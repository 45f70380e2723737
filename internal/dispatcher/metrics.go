package dispatcher

import "github.com/prometheus/client_golang/prometheus"

var (
	dispatchBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_dispatch_batches_total",
			Help: "Batches transmitted by result (success, failure)",
		},
		[]string{"result"},
	)

	dispatchSamplesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_dispatch_samples_total",
			Help: "Samples transmitted by result (success, failure)",
		},
		[]string{"result"},
	)

	dispatchDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_dispatch_dropped_total",
			Help: "Samples dropped before queueing by reason",
		},
		[]string{"reason"},
	)

	dispatchCurrentWait = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metrics_forwarder_dispatch_current_wait_seconds",
			Help: "Current adaptive drain window per client",
		},
		[]string{"client_id"},
	)

	dispatchConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metrics_forwarder_dispatch_connected",
			Help: "1 when the client's transport holds an open connection",
		},
		[]string{"client_id"},
	)

	dispatchConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "metrics_forwarder_dispatch_connect_attempts_total",
			Help: "Session connect attempts by result (success, failure)",
		},
		[]string{"result"},
	)

	deliveredNamesEstimate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "metrics_forwarder_delivered_names_estimate",
			Help: "Estimated distinct metric names delivered per client",
		},
		[]string{"client_id"},
	)
)

func init() {
	dispatchDroppedTotal.WithLabelValues("unencodable")
	prometheus.MustRegister(dispatchBatchesTotal)
	prometheus.MustRegister(dispatchSamplesTotal)
	prometheus.MustRegister(dispatchDroppedTotal)
	prometheus.MustRegister(dispatchCurrentWait)
	prometheus.MustRegister(dispatchConnected)
	prometheus.MustRegister(dispatchConnectAttemptsTotal)
	prometheus.MustRegister(deliveredNamesEstimate)
}
