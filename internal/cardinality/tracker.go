// Package cardinality estimates how many distinct metric names have been
// delivered and flags names seen for the first time.
package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
)

// Config sizes the first-seen filter.
type Config struct {
	// ExpectedItems is the expected number of distinct names.
	ExpectedItems uint
	// FalsePositiveRate is the target rate of new names reported as seen.
	FalsePositiveRate float64
}

// DefaultConfig suits a single application emitting a few thousand names.
func DefaultConfig() Config {
	return Config{
		ExpectedItems:     10000,
		FalsePositiveRate: 0.01,
	}
}

// Names tracks delivered metric names. The distinct count uses a
// HyperLogLog sketch (~12KB fixed); first-seen detection uses a Bloom filter
// and may miss a new name at the configured false positive rate.
type Names struct {
	cfg Config

	mu     sync.Mutex
	sketch *hyperloglog.Sketch
	filter *bloom.BloomFilter
	seen   int64
}

// New returns an empty tracker.
func New(cfg Config) *Names {
	def := DefaultConfig()
	if cfg.ExpectedItems == 0 {
		cfg.ExpectedItems = def.ExpectedItems
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		cfg.FalsePositiveRate = def.FalsePositiveRate
	}
	return &Names{
		cfg:    cfg,
		sketch: hyperloglog.New(),
		filter: bloom.NewWithEstimates(cfg.ExpectedItems, cfg.FalsePositiveRate),
	}
}

// Observe records a delivered name and reports whether it is new.
func (n *Names) Observe(name string) bool {
	key := []byte(name)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.sketch.Insert(key)
	if n.filter.TestAndAdd(key) {
		return false
	}
	n.seen++
	return true
}

// Estimate returns the approximate number of distinct names observed.
func (n *Names) Estimate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	// Estimate may merge the sparse representation, so it needs the write lock
	return int64(n.sketch.Estimate())
}

// FirstSeen returns how many names Observe reported as new.
func (n *Names) FirstSeen() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.seen
}

// Reset forgets all names.
func (n *Names) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sketch = hyperloglog.New()
	n.filter.ClearAll()
	n.seen = 0
}
