package intern

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestInternMetrics(t *testing.T) {
	SampleNames.Reset()
	SampleNames.Intern("jobs.done")
	SampleNames.Intern("jobs.done")
	defer SampleNames.Reset()

	want := map[string]struct {
		typ   dto.MetricType
		value float64
	}{
		"metrics_forwarder_intern_hits_total":     {dto.MetricType_COUNTER, 1},
		"metrics_forwarder_intern_misses_total":   {dto.MetricType_COUNTER, 1},
		"metrics_forwarder_intern_overflow_total": {dto.MetricType_COUNTER, 0},
		"metrics_forwarder_intern_pool_size":      {dto.MetricType_GAUGE, 1},
	}

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	gathered := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		gathered[mf.GetName()] = mf
	}

	for name, w := range want {
		mf, ok := gathered[name]
		if !ok {
			t.Errorf("%s not registered", name)
			continue
		}
		if mf.GetType() != w.typ {
			t.Errorf("%s: type %v, want %v", name, mf.GetType(), w.typ)
		}
		if len(mf.GetMetric()) != 1 {
			t.Errorf("%s: %d series, want 1", name, len(mf.GetMetric()))
			continue
		}
		m := mf.GetMetric()[0]
		if l := m.GetLabel(); len(l) != 1 || l[0].GetName() != "pool" || l[0].GetValue() != "sample_names" {
			t.Errorf("%s: labels %v", name, l)
		}
		var got float64
		if w.typ == dto.MetricType_COUNTER {
			got = m.GetCounter().GetValue()
		} else {
			got = m.GetGauge().GetValue()
		}
		if got != w.value {
			t.Errorf("%s = %v, want %v", name, got, w.value)
		}
	}
}
