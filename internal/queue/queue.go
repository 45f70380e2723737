package queue

import (
	"sync"
	"time"

	"github.com/szibis/metrics-forwarder/internal/sample"
)

// Queue is an unbounded FIFO of pending samples shared by any number of
// producers and a single consumer. Push never blocks; PopBatch waits for a
// bounded window.
type Queue struct {
	mu    sync.Mutex
	items []sample.Sample

	// notify holds at most one wakeup for a waiting PopBatch.
	notify chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

// Batch is the result of one drain window.
type Batch struct {
	Samples []sample.Sample
	Count   int
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Push appends a sample. It never blocks and never fails.
func (q *Queue) Push(s sample.Sample) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()

	queueLength.Inc()
	queuePushedTotal.Inc()
	q.wake()
}

// PushBatch returns every sample of a failed batch to the tail of the queue,
// one by one and in batch order. Samples pushed concurrently by producers may
// end up before or after them.
func (q *Queue) PushBatch(batch []sample.Sample) {
	if len(batch) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, batch...)
	q.mu.Unlock()

	queueLength.Add(float64(len(batch)))
	queueRequeuedTotal.Add(float64(len(batch)))
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
		// a wakeup is already pending
	}
}

// PopBatch collects samples until window has elapsed, measured from the call.
// It does not stop at the first empty read: it keeps waiting for arrivals
// with whatever time remains until the deadline. Samples are returned in
// arrival order. The batch is empty if nothing arrived.
//
// A closed queue returns whatever is pending without waiting.
func (q *Queue) PopBatch(window time.Duration) Batch {
	deadline := time.Now().Add(window)
	var batch []sample.Sample

	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		batch = q.drainInto(batch)

		if time.Until(deadline) <= 0 {
			break
		}
		select {
		case <-q.notify:
			continue
		case <-timer.C:
		case <-q.closed:
		}
		batch = q.drainInto(batch)
		break
	}

	return Batch{Samples: batch, Count: len(batch)}
}

func (q *Queue) drainInto(batch []sample.Sample) []sample.Sample {
	q.mu.Lock()
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	if len(pending) == 0 {
		return batch
	}
	queueLength.Sub(float64(len(pending)))
	if batch == nil {
		return pending
	}
	return append(batch, pending...)
}

// Close wakes a waiting PopBatch and makes later calls return immediately.
// Pushes after Close are accepted but only drained by a later PopBatch.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

// Len returns the number of pending samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
