package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueLength = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "metrics_forwarder_queue_length",
		Help: "Current number of samples waiting in outbound queues",
	})

	queuePushedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_forwarder_queue_pushed_total",
		Help: "Total number of samples pushed by producers",
	})

	queueRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_forwarder_queue_requeued_total",
		Help: "Total number of samples returned to the queue after a failed transmit",
	})
)

func init() {
	prometheus.MustRegister(queueLength)
	prometheus.MustRegister(queuePushedTotal)
	prometheus.MustRegister(queueRequeuedTotal)

	queueLength.Set(0)
	queuePushedTotal.Add(0)
	queueRequeuedTotal.Add(0)
}
