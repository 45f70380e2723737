// Package forwarder is the producer-side API: it buffers counters and
// timings in memory and forwards them in batches to a remote aggregator
// from a single background goroutine.
//
//	c, err := forwarder.Start("https://agg.example.com/v1/metrics", key)
//	if err != nil { ... }
//	defer c.Stop()
//
//	forwarder.NewCounter(c, "jobs.processed").Count()
//	err = c.Time("db.query", func() error { return db.Ping() })
//
// Delivery is best effort: samples live only in memory, failed batches are
// retried with a growing window, and anything pending at Stop is lost.
package forwarder

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/szibis/metrics-forwarder/internal/dispatcher"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/sample"
	tlspkg "github.com/szibis/metrics-forwarder/internal/tls"
	"github.com/szibis/metrics-forwarder/internal/transport"
)

// ErrInvalidEndpoint is returned for an unusable host, port or URL.
var ErrInvalidEndpoint = errors.New("forwarder: invalid endpoint")

// Sample is one named observation.
type Sample = sample.Sample

// Kind is the type of a Sample.
type Kind = sample.Kind

// Sample kinds.
const (
	KindCounter = sample.Counter
	KindTiming  = sample.Timing
)

// Stats is a snapshot of delivery counters.
type Stats = dispatcher.Stats

// Sender accepts samples. *Client and *Lazy implement it.
type Sender interface {
	Send(s Sample)
}

// Client is a handle to one running dispatcher. A nil *Client is usable:
// it drops samples and logs once.
type Client struct {
	id       string
	endpoint string
	d        *dispatcher.Dispatcher
	policy   MeasurePolicy
	clock    Clock
	log      logging.Scope
}

// Connect starts a client that streams line-protocol batches over a TCP
// (optionally TLS) connection to host:port. It returns once the dispatcher
// is running; the connection is established, and re-established, in the
// background.
func Connect(host string, port int, opts ...Option) (*Client, error) {
	if host == "" || port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %q port %d", ErrInvalidEndpoint, host, port)
	}
	o := buildOptions(opts)
	if o.err != nil {
		return nil, o.err
	}
	tlsConf, err := tlspkg.NewClientTLSConfig(derefTLS(o.tls))
	if err != nil {
		return nil, fmt.Errorf("socket TLS: %w", err)
	}

	sock := transport.NewSocket(transport.SocketConfig{
		Address: net.JoinHostPort(host, strconv.Itoa(port)),
		TLS:     tlsConf,
	})
	return start(sock, sock.Address(), o)
}

// Start starts a client that POSTs JSON batches to url, sending apiKey in
// the STAGGREGATOR_KEY header.
func Start(url, apiKey string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	if o.err != nil {
		return nil, o.err
	}
	cfg := transport.HTTPConfig{
		URL:         url,
		APIKey:      apiKey,
		Headers:     o.headers,
		Timeout:     o.httpTimeout,
		Compression: o.compression,
	}
	if o.tls != nil {
		tlsConf, err := tlspkg.BuildClientTLSConfig(*o.tls)
		if err != nil {
			return nil, fmt.Errorf("http TLS: %w", err)
		}
		cfg.TLS = tlsConf
	}
	ht, err := transport.NewHTTP(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	return start(ht, ht.Endpoint(), o)
}

func start(t transport.Transport, endpoint string, o options) (*Client, error) {
	c := newClient(t, endpoint, o)
	if err := c.d.Start(); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(t transport.Transport, endpoint string, o options) *Client {
	id := uuid.NewString()
	log := logging.With("client_id", id, "endpoint", endpoint)
	cfg := o.dispatcherConfig()
	cfg.Logger = log
	cfg.ID = id
	return &Client{
		id:       id,
		endpoint: endpoint,
		d:        dispatcher.New(t, cfg),
		policy:   o.policy,
		clock:    o.clock,
		log:      log,
	}
}

func derefTLS(c *TLSConfig) TLSConfig {
	if c == nil {
		return TLSConfig{}
	}
	return *c
}

var nilClientOnce sync.Once

// Send enqueues a sample without blocking.
func (c *Client) Send(s Sample) {
	if c == nil {
		nilClientOnce.Do(func() {
			logging.Warn("metric sent to a nil client, dropping", logging.F("name", s.Name))
		})
		return
	}
	c.d.Send(s)
}

// Increment sends a counter sample.
func (c *Client) Increment(name string, amount float64) {
	c.Send(sample.NewCounter(name, amount))
}

// Timing sends d as a timing sample in whole milliseconds, rounded half up.
func (c *Client) Timing(name string, d time.Duration) {
	c.Send(sample.NewTiming(name, roundMillis(d)))
}

// Stop asks the dispatcher to exit without waiting. Safe on nil and
// idempotent.
func (c *Client) Stop() {
	if c == nil {
		return
	}
	c.d.Stop()
}

// Wait blocks until the dispatcher has exited after Stop.
func (c *Client) Wait() {
	if c == nil {
		return
	}
	c.d.Wait()
}

// Done is closed once the dispatcher has exited.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.d.Done()
}

// ID returns the random instance id used in logs.
func (c *Client) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// Endpoint returns the aggregator address or URL.
func (c *Client) Endpoint() string {
	if c == nil {
		return ""
	}
	return c.endpoint
}

// Running reports whether the dispatcher loop is running.
func (c *Client) Running() bool { return c != nil && c.d.Running() }

// Connected reports whether the aggregator connection is up. HTTP clients
// report true while running.
func (c *Client) Connected() bool { return c != nil && c.d.Connected() }

// Session reports whether the client streams over a socket.
func (c *Client) Session() bool { return c != nil && c.d.Session() }

// CurrentWait returns the current adaptive window.
func (c *Client) CurrentWait() time.Duration {
	if c == nil {
		return 0
	}
	return c.d.CurrentWait()
}

// QueueLen returns the number of samples waiting to be sent.
func (c *Client) QueueLen() int {
	if c == nil {
		return 0
	}
	return c.d.QueueLen()
}

// Stats returns a snapshot of delivery counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return c.d.Stats()
}

func (c *Client) now() time.Time {
	if c == nil || c.clock == nil {
		return time.Now()
	}
	return c.clock.Now()
}

func (c *Client) measurePolicy() MeasurePolicy {
	if c == nil {
		return RecordAlways
	}
	return c.policy
}
