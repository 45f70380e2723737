package forwarder

import (
	"math"
	"time"

	"github.com/szibis/metrics-forwarder/internal/sample"
)

// Clock supplies the current time to timers.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// clocked is implemented by senders that carry a clock and measure policy.
type clocked interface {
	now() time.Time
	measurePolicy() MeasurePolicy
}

func clockOf(s Sender) func() time.Time {
	if c, ok := s.(clocked); ok {
		return c.now
	}
	return time.Now
}

// roundMillis converts d to whole milliseconds, rounding half up.
func roundMillis(d time.Duration) float64 {
	return math.Floor(float64(d)/float64(time.Millisecond) + 0.5)
}

// Counter emits counter samples under a fixed name.
type Counter struct {
	s    Sender
	name string
}

// NewCounter returns a counter bound to s.
func NewCounter(s Sender, name string) *Counter {
	return &Counter{s: s, name: name}
}

// Count sends amount, or 1 when omitted. Only the first amount is used.
func (c *Counter) Count(amount ...float64) {
	n := 1.0
	if len(amount) > 0 {
		n = amount[0]
	}
	c.s.Send(sample.NewCounter(c.name, n))
}

// Timer measures wall time between Start and End. It is not safe for
// concurrent use; create one per measurement or per goroutine.
type Timer struct {
	s       Sender
	name    string
	now     func() time.Time
	start   time.Time
	started bool
}

// NewTimer returns a timer bound to s, using the sender's clock.
func NewTimer(s Sender, name string) *Timer {
	return &Timer{s: s, name: name, now: clockOf(s)}
}

// Start records the start time. Calling it again restarts the timer.
func (t *Timer) Start() *Timer {
	t.start = t.now()
	t.started = true
	return t
}

// End sends the elapsed milliseconds since Start, under nameOverride when
// given. End without Start does nothing. The start time is kept, so
// repeated End calls measure from the same Start.
func (t *Timer) End(nameOverride ...string) {
	if !t.started {
		return
	}
	name := t.name
	if len(nameOverride) > 0 && nameOverride[0] != "" {
		name = nameOverride[0]
	}
	t.s.Send(sample.NewTiming(name, roundMillis(t.now().Sub(t.start))))
}

// Elapsed returns the time since Start, or zero before Start.
func (t *Timer) Elapsed() time.Duration {
	if !t.started {
		return 0
	}
	return t.now().Sub(t.start)
}

// Time runs fn and records its duration as a timing sample. Under
// RecordAlways the sample is sent even when fn errors or panics; panics
// propagate after recording.
func (c *Client) Time(name string, fn func() error) error {
	return timeFunc(c, c.measurePolicy(), name, fn)
}

// Count runs fn and then sends a counter of 1, subject to the measure policy.
func (c *Client) Count(name string, fn func() error) error {
	return countFunc(c, c.measurePolicy(), name, fn)
}

func timeFunc(s Sender, policy MeasurePolicy, name string, fn func() error) (err error) {
	t := NewTimer(s, name).Start()
	ok := false
	defer func() {
		if ok || policy == RecordAlways {
			t.End()
		}
	}()
	err = fn()
	ok = err == nil
	return err
}

func countFunc(s Sender, policy MeasurePolicy, name string, fn func() error) (err error) {
	ok := false
	defer func() {
		if ok || policy == RecordAlways {
			s.Send(sample.NewCounter(name, 1))
		}
	}()
	err = fn()
	ok = err == nil
	return err
}
