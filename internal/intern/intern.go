// Package intern deduplicates sample names. A relay that queues samples
// while the aggregator is down holds many copies of a small set of names;
// interning keeps one copy each and releases the ingest buffers they were
// sliced from.
package intern

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// DefaultMaxSize bounds a pool created with a non-positive size.
const DefaultMaxSize = 100_000

// Pool interns strings up to a fixed number of entries. Past the limit,
// Intern still returns a private copy but stores nothing, so a flood of
// unique names cannot grow the pool without bound.
type Pool struct {
	strings  sync.Map
	size     atomic.Int64
	max      int64
	hits     atomic.Uint64
	misses   atomic.Uint64
	overflow atomic.Uint64
}

// NewPool creates a pool holding at most maxSize strings.
func NewPool(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{max: int64(maxSize)}
}

// Intern returns the pooled copy of s, storing a fresh copy on first sight.
func (p *Pool) Intern(s string) string {
	if interned, ok := p.strings.Load(s); ok {
		p.hits.Add(1)
		return interned.(string)
	}
	return p.store(cloneString(s))
}

// InternBytes is Intern for a byte slice; the lookup does not allocate.
func (p *Pool) InternBytes(b []byte) string {
	if interned, ok := p.strings.Load(unsafeString(b)); ok {
		p.hits.Add(1)
		return interned.(string)
	}
	return p.store(string(b))
}

func (p *Pool) store(clone string) string {
	if p.size.Load() >= p.max {
		p.overflow.Add(1)
		return clone
	}
	actual, loaded := p.strings.LoadOrStore(clone, clone)
	if loaded {
		p.hits.Add(1)
	} else {
		p.misses.Add(1)
		p.size.Add(1)
	}
	return actual.(string)
}

// Stats returns hit, miss and overflow counts.
func (p *Pool) Stats() (hits, misses, overflow uint64) {
	return p.hits.Load(), p.misses.Load(), p.overflow.Load()
}

// Size returns the number of pooled strings.
func (p *Pool) Size() int {
	return int(p.size.Load())
}

// Reset empties the pool and its statistics. It must not race with Intern.
func (p *Pool) Reset() {
	p.strings = sync.Map{}
	p.size.Store(0)
	p.hits.Store(0)
	p.misses.Store(0)
	p.overflow.Store(0)
}

// cloneString copies s so the result does not pin a larger buffer.
func cloneString(s string) string {
	return string([]byte(s))
}

// unsafeString views b as a string. Only used for map lookups.
func unsafeString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(unsafe.SliceData(b), len(b))
}

// SampleNames is shared by the ingest receivers.
var SampleNames = NewPool(DefaultMaxSize)
