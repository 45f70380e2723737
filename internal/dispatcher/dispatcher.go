// Package dispatcher runs the single background loop that drains the
// outbound queue in time windows and hands each batch to a transport,
// requeueing and backing off when delivery fails.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/szibis/metrics-forwarder/internal/backoff"
	"github.com/szibis/metrics-forwarder/internal/cardinality"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/queue"
	"github.com/szibis/metrics-forwarder/internal/sample"
	"github.com/szibis/metrics-forwarder/internal/transport"
)

var (
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("dispatcher: stopped")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("dispatcher: already started")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultFixedWindow        = 50 * time.Millisecond
	DefaultConnectRetryDelay  = time.Second
	DefaultFailureLogInterval = 10 * time.Second
)

// WindowPolicy selects how long each drain window lasts.
type WindowPolicy int

const (
	// WindowAuto uses WindowFixed for session transports and WindowAdaptive
	// for request-per-batch transports.
	WindowAuto WindowPolicy = iota
	// WindowFixed always drains for FixedWindow.
	WindowFixed
	// WindowAdaptive drains for the current backoff wait, so the window
	// grows while the aggregator keeps failing.
	WindowAdaptive
)

// String returns the policy name.
func (p WindowPolicy) String() string {
	switch p {
	case WindowFixed:
		return "fixed"
	case WindowAdaptive:
		return "adaptive"
	default:
		return "auto"
	}
}

// ParseWindowPolicy parses "auto", "fixed" or "adaptive".
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return WindowAuto, nil
	case "fixed":
		return WindowFixed, nil
	case "adaptive":
		return WindowAdaptive, nil
	default:
		return WindowAuto, fmt.Errorf("unknown window policy %q", s)
	}
}

// Config tunes the loop. Zero values take the defaults.
type Config struct {
	// BaseWait is the initial and post-success adaptive window.
	BaseWait time.Duration
	// MaxMultiplier caps the wait at BaseWait*MaxMultiplier.
	MaxMultiplier int
	// Window selects the drain window policy.
	Window WindowPolicy
	// FixedWindow is the window under WindowFixed.
	FixedWindow time.Duration
	// ConnectRetryDelay is the pause between session connect attempts.
	ConnectRetryDelay time.Duration
	// SendTimeout bounds one transmit. Zero leaves it to the transport.
	SendTimeout time.Duration
	// FailureLogInterval throttles repeated connect and transmit warnings.
	FailureLogInterval time.Duration
	// Cardinality sizes the delivered-name tracker.
	Cardinality cardinality.Config
	// OnTransmit, when set, is called from the loop goroutine after every
	// transmit attempt with the batch and its outcome.
	OnTransmit func(batch []sample.Sample, err error)
	// Logger carries the caller's log attributes.
	Logger logging.Scope
	// ID labels this dispatcher's gauges. Empty picks a random one.
	ID string
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Running         bool
	Connected       bool
	CurrentWait     time.Duration
	QueueLen        int
	BatchesSent     uint64
	BatchesFailed   uint64
	SamplesSent     uint64
	SamplesFailed   uint64
	SamplesDropped  uint64
	ConnectAttempts uint64
	ConnectFailures uint64
	DistinctNames   int64
	LastError       string
}

type lifecycle int

const (
	idle lifecycle = iota
	started
	stopped
)

// Dispatcher owns the queue, the backoff state and the transport.
type Dispatcher struct {
	cfg       Config
	transport transport.Transport
	session   transport.Session
	kind      string
	queue     *queue.Queue
	backoff   *backoff.Policy
	names     *cardinality.Names
	warnLimit *rate.Limiter
	log       logging.Scope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state lifecycle

	running     atomic.Bool
	connected   atomic.Bool
	currentWait atomic.Int64
	lastErr     atomic.Pointer[string]

	batchesSent     atomic.Uint64
	batchesFailed   atomic.Uint64
	samplesSent     atomic.Uint64
	samplesFailed   atomic.Uint64
	samplesDropped  atomic.Uint64
	connectAttempts atomic.Uint64
	connectFailures atomic.Uint64
	suppressed      atomic.Uint64
}

// New builds a dispatcher for t. It does not start the loop.
func New(t transport.Transport, cfg Config) *Dispatcher {
	if cfg.FixedWindow <= 0 {
		cfg.FixedWindow = DefaultFixedWindow
	}
	if cfg.ConnectRetryDelay <= 0 {
		cfg.ConnectRetryDelay = DefaultConnectRetryDelay
	}
	if cfg.FailureLogInterval <= 0 {
		cfg.FailureLogInterval = DefaultFailureLogInterval
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	d := &Dispatcher{
		cfg:       cfg,
		transport: t,
		kind:      transport.Kind(t),
		queue:     queue.New(),
		backoff:   backoff.New(cfg.BaseWait, cfg.MaxMultiplier),
		names:     cardinality.New(cfg.Cardinality),
		warnLimit: rate.NewLimiter(rate.Every(cfg.FailureLogInterval), 1),
		done:      make(chan struct{}),
	}
	if s, ok := t.(transport.Session); ok {
		d.session = s
	}
	if cfg.Window == WindowAuto {
		if d.session != nil {
			d.cfg.Window = WindowFixed
		} else {
			d.cfg.Window = WindowAdaptive
		}
	}
	d.log = cfg.Logger.With("transport", d.kind)
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.currentWait.Store(int64(d.backoff.Current()))
	return d
}

// Start launches the loop goroutine.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case stopped:
		return ErrStopped
	case started:
		return ErrAlreadyStarted
	}
	d.state = started
	d.running.Store(true)
	dispatchCurrentWait.WithLabelValues(d.cfg.ID).Set(d.backoff.Current().Seconds())

	d.log.Info("dispatcher started", logging.F(
		"window_policy", d.cfg.Window.String(),
		"fixed_window", d.cfg.FixedWindow.String(),
		"base_wait", d.backoff.Base().String(),
		"max_wait", d.backoff.Max().String(),
	))
	go d.run()
	return nil
}

// Send enqueues a sample. It never blocks and never fails; samples sent
// before Start are delivered once the loop runs. A sample that cannot be
// encoded is dropped here so it can never hold a batch back.
func (d *Dispatcher) Send(s sample.Sample) {
	if err := s.Check(); err != nil {
		d.samplesDropped.Add(1)
		dispatchDroppedTotal.WithLabelValues("unencodable").Inc()
		d.warn("sample dropped", logging.F(
			"error", err.Error(),
			"name", s.Name,
		))
		return
	}
	d.queue.Push(s)
}

// Stop asks the loop to exit. It does not wait and is safe to call more
// than once. A batch already drained when Stop lands is still transmitted
// once; samples left in the queue are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.state
	if prev == stopped {
		return
	}
	d.state = stopped
	d.running.Store(false)
	d.cancel()
	d.queue.Close()
	if prev == idle {
		// no loop will close done or the transport
		_ = d.transport.Close()
		close(d.done)
	}
}

// Wait blocks until the loop has exited and the transport is closed.
// It returns immediately if Start was never called and Stop was.
func (d *Dispatcher) Wait() {
	<-d.done
}

// Done is closed once the loop has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Running reports whether the loop is (still) expected to run.
func (d *Dispatcher) Running() bool { return d.running.Load() }

// Connected reports whether a session transport is connected. It is always
// true for request-per-batch transports once started.
func (d *Dispatcher) Connected() bool { return d.connected.Load() }

// CurrentWait returns the current adaptive wait.
func (d *Dispatcher) CurrentWait() time.Duration { return time.Duration(d.currentWait.Load()) }

// QueueLen returns the number of samples waiting to be drained.
func (d *Dispatcher) QueueLen() int { return d.queue.Len() }

// Session reports whether the transport is connection-oriented.
func (d *Dispatcher) Session() bool { return d.session != nil }

// LastError returns the most recent connect or transmit error, or "".
func (d *Dispatcher) LastError() string {
	if p := d.lastErr.Load(); p != nil {
		return *p
	}
	return ""
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Running:         d.Running(),
		Connected:       d.Connected(),
		CurrentWait:     d.CurrentWait(),
		QueueLen:        d.QueueLen(),
		BatchesSent:     d.batchesSent.Load(),
		BatchesFailed:   d.batchesFailed.Load(),
		SamplesSent:     d.samplesSent.Load(),
		SamplesFailed:   d.samplesFailed.Load(),
		SamplesDropped:  d.samplesDropped.Load(),
		ConnectAttempts: d.connectAttempts.Load(),
		ConnectFailures: d.connectFailures.Load(),
		DistinctNames:   d.names.Estimate(),
		LastError:       d.LastError(),
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	defer func() {
		if err := d.transport.Close(); err != nil {
			d.log.Debug("transport close failed", logging.F("error", err.Error()))
		}
		d.setConnected(false)
		d.deleteGauges()
		d.log.Info("dispatcher stopped", logging.F("pending", d.queue.Len()))
	}()

	if d.session == nil {
		d.setConnected(true)
	}

	for d.running.Load() {
		if d.session != nil && !d.session.Connected() {
			d.setConnected(false)
			if !d.connect() {
				continue
			}
		}

		batch := d.queue.PopBatch(d.window())
		if batch.Count == 0 {
			continue
		}
		d.transmit(batch.Samples)
	}
}

func (d *Dispatcher) window() time.Duration {
	if d.cfg.Window == WindowFixed {
		return d.cfg.FixedWindow
	}
	return d.backoff.Current()
}

// connect retries at a fixed delay until it succeeds or Stop is called.
func (d *Dispatcher) connect() bool {
	for d.running.Load() {
		d.connectAttempts.Add(1)
		err := d.session.Connect(d.ctx)
		if err == nil {
			dispatchConnectAttemptsTotal.WithLabelValues("success").Inc()
			d.setConnected(true)
			d.log.Info("connected to aggregator", logging.F("attempts", d.connectAttempts.Load()))
			return true
		}

		dispatchConnectAttemptsTotal.WithLabelValues("failure").Inc()
		d.connectFailures.Add(1)
		d.setLastError(err)
		d.warn("connect failed, retrying", logging.F(
			"error", err.Error(),
			"retry_in", d.cfg.ConnectRetryDelay.String(),
		))

		timer := time.NewTimer(d.cfg.ConnectRetryDelay)
		select {
		case <-d.ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

func (d *Dispatcher) transmit(batch []sample.Sample) {
	ctx := context.Background()
	if d.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.SendTimeout)
		defer cancel()
	}

	err := d.safeSend(ctx, batch)
	if err == nil {
		d.onSuccess(batch)
	} else {
		d.onFailure(batch, err)
	}

	if d.cfg.OnTransmit != nil {
		d.cfg.OnTransmit(batch, err)
	}
}

// safeSend converts a transport panic into an error so the loop survives.
func (d *Dispatcher) safeSend(ctx context.Context, batch []sample.Sample) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return d.transport.Send(ctx, batch)
}

func (d *Dispatcher) onSuccess(batch []sample.Sample) {
	n := uint64(len(batch))
	d.batchesSent.Add(1)
	d.samplesSent.Add(n)
	dispatchBatchesTotal.WithLabelValues("success").Inc()
	dispatchSamplesTotal.WithLabelValues("success").Add(float64(n))

	recovered := d.backoff.Reset()
	d.publishWait()
	if recovered {
		d.log.Info("delivery recovered", logging.F(
			"batch_size", len(batch),
			"suppressed_warnings", d.suppressed.Swap(0),
		))
	}

	debug := logging.Enabled(logging.LevelDebug)
	for _, s := range batch {
		if d.names.Observe(s.Name) && debug {
			d.log.Debug("first delivery of metric name", logging.F("name", s.Name, "type", s.Kind.String()))
		}
	}
	deliveredNamesEstimate.WithLabelValues(d.cfg.ID).Set(float64(d.names.Estimate()))
}

func (d *Dispatcher) onFailure(batch []sample.Sample, err error) {
	n := uint64(len(batch))
	d.batchesFailed.Add(1)
	d.samplesFailed.Add(n)
	dispatchBatchesTotal.WithLabelValues("failure").Inc()
	dispatchSamplesTotal.WithLabelValues("failure").Add(float64(n))

	d.queue.PushBatch(batch)
	wait := d.backoff.Fail()
	d.publishWait()
	d.setLastError(err)

	if d.session != nil && !d.session.Connected() {
		d.setConnected(false)
	}

	d.warn("transmit failed, batch requeued", logging.F(
		"error", err.Error(),
		"error_type", string(transport.TypeOf(err)),
		"batch_size", len(batch),
		"current_wait", wait.String(),
		"consecutive_failures", d.backoff.Failures(),
	))
}

// warn logs at most once per FailureLogInterval and counts the rest.
func (d *Dispatcher) warn(msg string, fields map[string]interface{}) {
	if !d.warnLimit.Allow() {
		d.suppressed.Add(1)
		return
	}
	if s := d.suppressed.Swap(0); s > 0 {
		fields["suppressed"] = s
	}
	d.log.Warn(msg, fields)
}

func (d *Dispatcher) publishWait() {
	w := d.backoff.Current()
	d.currentWait.Store(int64(w))
	dispatchCurrentWait.WithLabelValues(d.cfg.ID).Set(w.Seconds())
}

func (d *Dispatcher) setConnected(c bool) {
	d.connected.Store(c)
	v := 0.0
	if c {
		v = 1
	}
	dispatchConnected.WithLabelValues(d.cfg.ID).Set(v)
}

// deleteGauges removes this dispatcher's series once its loop has exited.
func (d *Dispatcher) deleteGauges() {
	dispatchCurrentWait.DeleteLabelValues(d.cfg.ID)
	dispatchConnected.DeleteLabelValues(d.cfg.ID)
	deliveredNamesEstimate.DeleteLabelValues(d.cfg.ID)
}

func (d *Dispatcher) setLastError(err error) {
	msg := err.Error()
	d.lastErr.Store(&msg)
}
