package forwarder

import (
	"sync"
	"time"

	"github.com/szibis/metrics-forwarder/internal/logging"
)

// Lazy holds HTTP client arguments and starts the client on first use.
type Lazy struct {
	url    string
	apiKey string
	opts   []Option
	o      options

	once    sync.Once
	mu      sync.Mutex
	client  *Client
	err     error
	stopped bool
}

// NewLazy saves the arguments for Start without starting anything.
func NewLazy(url, apiKey string, opts ...Option) *Lazy {
	return &Lazy{url: url, apiKey: apiKey, opts: opts, o: buildOptions(opts)}
}

// Client starts the client on the first call and returns it. Later calls
// return the same client or the same error. After Stop it returns nil.
func (l *Lazy) Client() (*Client, error) {
	l.once.Do(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.stopped {
			return
		}
		l.client, l.err = Start(l.url, l.apiKey, l.opts...)
		if l.err != nil {
			logging.Error("failed to start metrics forwarder", logging.F(
				"url", l.url,
				"error", l.err.Error(),
			))
		}
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client, l.err
}

// Started reports whether a client has been started.
func (l *Lazy) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client != nil
}

// Send starts the client if needed and enqueues s. If the client cannot be
// started the sample is dropped; the error is logged once.
func (l *Lazy) Send(s Sample) {
	c, _ := l.Client()
	c.Send(s)
}

// Time is Client.Time on the lazily started client.
func (l *Lazy) Time(name string, fn func() error) error {
	return timeFunc(l, l.o.policy, name, fn)
}

// Count is Client.Count on the lazily started client.
func (l *Lazy) Count(name string, fn func() error) error {
	return countFunc(l, l.o.policy, name, fn)
}

// Stop stops the client if it was started and prevents a later start.
func (l *Lazy) Stop() {
	l.mu.Lock()
	l.stopped = true
	c := l.client
	l.mu.Unlock()
	c.Stop()
}

// Wait waits for a started client to exit.
func (l *Lazy) Wait() {
	l.mu.Lock()
	c := l.client
	l.mu.Unlock()
	c.Wait()
}

func (l *Lazy) now() time.Time { return l.o.clock.Now() }

func (l *Lazy) measurePolicy() MeasurePolicy { return l.o.policy }
