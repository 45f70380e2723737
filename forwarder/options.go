package forwarder

import (
	"fmt"
	"time"

	"github.com/szibis/metrics-forwarder/internal/compression"
	"github.com/szibis/metrics-forwarder/internal/dispatcher"
	"github.com/szibis/metrics-forwarder/internal/sample"
	tlspkg "github.com/szibis/metrics-forwarder/internal/tls"
)

// TLSConfig configures TLS towards the aggregator.
type TLSConfig = tlspkg.ClientConfig

// WindowPolicy selects the drain window; see the Window* constants.
type WindowPolicy = dispatcher.WindowPolicy

// Drain window policies.
const (
	WindowAuto     = dispatcher.WindowAuto
	WindowFixed    = dispatcher.WindowFixed
	WindowAdaptive = dispatcher.WindowAdaptive
)

// ParseWindowPolicy parses "auto", "fixed" or "adaptive".
func ParseWindowPolicy(s string) (WindowPolicy, error) {
	return dispatcher.ParseWindowPolicy(s)
}

// MeasurePolicy decides whether Time and Count record when fn fails.
type MeasurePolicy int

const (
	// RecordAlways records after fn returns, errors and panics included.
	RecordAlways MeasurePolicy = iota
	// RecordOnSuccess records only when fn returns nil.
	RecordOnSuccess
)

// String returns the policy name.
func (p MeasurePolicy) String() string {
	if p == RecordOnSuccess {
		return "on_success"
	}
	return "always"
}

// ParseMeasurePolicy parses "always" or "on_success".
func ParseMeasurePolicy(s string) (MeasurePolicy, error) {
	switch s {
	case "", "always":
		return RecordAlways, nil
	case "on_success", "success":
		return RecordOnSuccess, nil
	default:
		return RecordAlways, fmt.Errorf("unknown measure policy %q", s)
	}
}

// Option configures a Client.
type Option func(*options)

type options struct {
	baseWait          time.Duration
	maxMultiplier     int
	window            dispatcher.WindowPolicy
	fixedWindow       time.Duration
	connectRetryDelay time.Duration
	sendTimeout       time.Duration
	httpTimeout       time.Duration
	compression       compression.Type
	headers           map[string]string
	tls               *TLSConfig
	policy            MeasurePolicy
	clock             Clock
	onTransmit        func([]sample.Sample, error)
	err               error
}

func buildOptions(opts []Option) options {
	o := options{clock: systemClock{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func (o options) dispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		BaseWait:          o.baseWait,
		MaxMultiplier:     o.maxMultiplier,
		Window:            o.window,
		FixedWindow:       o.fixedWindow,
		ConnectRetryDelay: o.connectRetryDelay,
		SendTimeout:       o.sendTimeout,
		OnTransmit:        o.onTransmit,
	}
}

// WithBaseWait sets the initial adaptive window and backoff base (default 1s).
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxMultiplier caps the backoff at base*n (default 64).
func WithMaxMultiplier(n int) Option {
	return func(o *options) { o.maxMultiplier = n }
}

// WithWindowPolicy overrides the drain window policy.
func WithWindowPolicy(p WindowPolicy) Option {
	return func(o *options) { o.window = p }
}

// WithFixedWindow sets the fixed drain window (default 50ms).
func WithFixedWindow(d time.Duration) Option {
	return func(o *options) { o.fixedWindow = d }
}

// WithConnectRetryDelay sets the pause between socket connect attempts
// (default 1s).
func WithConnectRetryDelay(d time.Duration) Option {
	return func(o *options) { o.connectRetryDelay = d }
}

// WithSendTimeout bounds each batch transmit.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithHTTPTimeout sets the HTTP client timeout (default 30s, negative for none).
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *options) { o.httpTimeout = d }
}

// WithCompression sets the HTTP body encoding: "none", "gzip" or "zstd".
func WithCompression(name string) Option {
	return func(o *options) {
		t, err := compression.ParseType(name)
		if err != nil && o.err == nil {
			o.err = err
		}
		o.compression = t
	}
}

// WithHeaders adds static headers to every HTTP request.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// WithTLS configures TLS. For sockets it applies when cfg.Enabled is set;
// for https URLs it always applies.
func WithTLS(cfg TLSConfig) Option {
	return func(o *options) { o.tls = &cfg }
}

// WithMeasurePolicy sets the policy used by Time and Count.
func WithMeasurePolicy(p MeasurePolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock replaces the clock used by timers and Time.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithOnTransmit registers an observer called after every transmit attempt.
func WithOnTransmit(fn func(batch []Sample, err error)) Option {
	return func(o *options) { o.onTransmit = fn }
}
