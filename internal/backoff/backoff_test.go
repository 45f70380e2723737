package backoff

import (
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	p := New(0, 0)
	if p.Base() != DefaultBase {
		t.Errorf("Base() = %v, want %v", p.Base(), DefaultBase)
	}
	if p.Max() != DefaultBase*DefaultMaxMultiplier {
		t.Errorf("Max() = %v", p.Max())
	}
	if p.Current() != p.Base() {
		t.Errorf("Current() = %v, want base", p.Current())
	}
}

func TestFail_DoublesUpToCap(t *testing.T) {
	tests := []struct {
		name       string
		base       time.Duration
		multiplier int
	}{
		{"power of two cap", 100 * time.Millisecond, 8},
		{"odd cap", 100 * time.Millisecond, 5},
		{"no growth", time.Second, 1},
		{"odd nanosecond base", 3, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.base, tt.multiplier)
			limit := tt.base * time.Duration(tt.multiplier)
			for n := 1; n <= 12; n++ {
				got := p.Fail()
				want := tt.base << n
				if want > limit {
					want = limit
				}
				if got != want || p.Current() != want {
					t.Fatalf("after %d failures wait = %v, want %v", n, got, want)
				}
				if p.Failures() != n {
					t.Fatalf("Failures() = %d, want %d", p.Failures(), n)
				}
			}
		})
	}
}

func TestReset(t *testing.T) {
	p := New(50*time.Millisecond, 16)
	if p.Reset() {
		t.Error("Reset() on a fresh policy should report no growth")
	}
	p.Fail()
	p.Fail()
	if !p.Reset() {
		t.Error("Reset() after failures should report growth")
	}
	if p.Current() != 50*time.Millisecond || p.Failures() != 0 {
		t.Errorf("after reset: current=%v failures=%d", p.Current(), p.Failures())
	}
}

func TestFail_NoOverflow(t *testing.T) {
	p := New(time.Duration(1<<61), 1<<20)
	for i := 0; i < 10; i++ {
		if got := p.Fail(); got <= 0 {
			t.Fatalf("wait overflowed to %v", got)
		}
	}
}
