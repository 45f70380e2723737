package intern

import "github.com/prometheus/client_golang/prometheus"

func init() {
	labels := prometheus.Labels{"pool": "sample_names"}
	prometheus.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "metrics_forwarder_intern_hits_total",
			Help:        "Intern pool cache hits",
			ConstLabels: labels,
		}, func() float64 { h, _, _ := SampleNames.Stats(); return float64(h) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "metrics_forwarder_intern_misses_total",
			Help:        "Intern pool cache misses",
			ConstLabels: labels,
		}, func() float64 { _, m, _ := SampleNames.Stats(); return float64(m) }),

		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "metrics_forwarder_intern_overflow_total",
			Help:        "Strings not pooled because the pool was full",
			ConstLabels: labels,
		}, func() float64 { _, _, o := SampleNames.Stats(); return float64(o) }),

		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "metrics_forwarder_intern_pool_size",
			Help:        "Number of interned strings in pool",
			ConstLabels: labels,
		}, func() float64 { return float64(SampleNames.Size()) }),
	)
}
