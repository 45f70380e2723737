package cardinality

import (
	"fmt"
	"sync"
	"testing"
)

func TestObserve_FirstSeen(t *testing.T) {
	n := New(Config{})
	if !n.Observe("api.requests") {
		t.Error("first observation should be new")
	}
	if n.Observe("api.requests") {
		t.Error("second observation should not be new")
	}
	if !n.Observe("api.latency") {
		t.Error("different name should be new")
	}
	if n.FirstSeen() != 2 {
		t.Errorf("FirstSeen() = %d, want 2", n.FirstSeen())
	}
}

func TestEstimate(t *testing.T) {
	n := New(DefaultConfig())
	const distinct = 5000
	for round := 0; round < 3; round++ {
		for i := 0; i < distinct; i++ {
			n.Observe(fmt.Sprintf("metric.%d", i))
		}
	}

	est := n.Estimate()
	// HLL with precision 14 has ~0.8% standard error; allow 5%.
	if est < distinct*95/100 || est > distinct*105/100 {
		t.Errorf("Estimate() = %d, want ~%d", est, distinct)
	}
	if fs := n.FirstSeen(); fs < distinct*98/100 || fs > distinct {
		t.Errorf("FirstSeen() = %d, want close to %d", fs, distinct)
	}
}

func TestReset(t *testing.T) {
	n := New(DefaultConfig())
	n.Observe("a")
	n.Observe("b")
	n.Reset()
	if n.Estimate() != 0 || n.FirstSeen() != 0 {
		t.Errorf("after Reset: estimate=%d firstSeen=%d", n.Estimate(), n.FirstSeen())
	}
	if !n.Observe("a") {
		t.Error("name should be new again after Reset")
	}
}

func TestNew_InvalidConfigUsesDefaults(t *testing.T) {
	n := New(Config{ExpectedItems: 0, FalsePositiveRate: 2})
	if n.cfg != DefaultConfig() {
		t.Errorf("cfg = %+v, want defaults", n.cfg)
	}
}

func TestConcurrentObserve(t *testing.T) {
	n := New(DefaultConfig())
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				n.Observe(fmt.Sprintf("g%d.m%d", g, i%50))
				_ = n.Estimate()
			}
		}(g)
	}
	wg.Wait()
	if est := n.Estimate(); est < 380 || est > 420 {
		t.Errorf("Estimate() = %d, want ~400", est)
	}
}
