package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/sample"
)

// DefaultDialTimeout bounds a single connect attempt.
const DefaultDialTimeout = 5 * time.Second

// SocketConfig configures the TCP line-protocol transport.
type SocketConfig struct {
	// Address is host:port of the aggregator.
	Address string
	// DialTimeout bounds one connect attempt. Zero uses DefaultDialTimeout.
	DialTimeout time.Duration
	// WriteTimeout bounds one batch write when the context has no deadline.
	// Zero leaves writes unbounded.
	WriteTimeout time.Duration
	// TLS wraps the connection when non-nil.
	TLS *tls.Config
}

// Socket is a Session over a single TCP connection. The aggregator never
// writes back; a watcher goroutine reads the connection only to notice when
// the peer closes it.
type Socket struct {
	cfg SocketConfig

	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool
	watchers  sync.WaitGroup
}

// NewSocket returns a disconnected socket transport.
func NewSocket(cfg SocketConfig) *Socket {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Socket{cfg: cfg}
}

// Address returns the configured aggregator address.
func (s *Socket) Address() string { return s.cfg.Address }

// Connect dials the aggregator, replacing any previous connection.
func (s *Socket) Connect(ctx context.Context) error {
	if s.cfg.Address == "" {
		return errors.New("socket: empty address")
	}

	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout, KeepAlive: 30 * time.Second}
	var (
		conn net.Conn
		err  error
	)
	if s.cfg.TLS != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: s.cfg.TLS}
		conn, err = td.DialContext(ctx, "tcp", s.cfg.Address)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", s.cfg.Address)
	}
	if err != nil {
		return &SendError{Err: fmt.Errorf("socket connect %s: %w", s.cfg.Address, err), Type: classifyError(err)}
	}

	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.connected.Store(true)
	s.mu.Unlock()

	socketConnectsTotal.Inc()
	s.watchers.Add(1)
	go s.watch(conn)
	return nil
}

// watch drains the connection until the peer closes it or it is replaced.
func (s *Socket) watch(conn net.Conn) {
	defer s.watchers.Done()
	_, err := io.Copy(io.Discard, conn)

	s.mu.Lock()
	current := s.conn == conn
	if current {
		s.dropLocked()
	}
	s.mu.Unlock()

	if current {
		logging.Debug("aggregator closed socket", logging.F("address", s.cfg.Address, "error", errString(err)))
	}
}

// Connected reports whether a connection is open.
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Send writes the batch as newline-terminated lines in a single write.
// A write failure closes the connection; the next Connect opens a new one.
func (s *Socket) Send(ctx context.Context, batch []sample.Sample) error {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.connected.Load() {
		return ErrNotConnected
	}

	payload := sample.EncodeLines(batch)
	sendRequestsTotal.WithLabelValues("socket").Inc()

	deadline, ok := ctx.Deadline()
	if !ok && s.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(s.cfg.WriteTimeout)
	}
	_ = conn.SetWriteDeadline(deadline)

	start := time.Now()
	_, err := conn.Write(payload)
	sendDuration.WithLabelValues("socket").Observe(time.Since(start).Seconds())
	if err != nil {
		s.mu.Lock()
		if s.conn == conn {
			s.dropLocked()
		}
		s.mu.Unlock()

		errType := classifyError(err)
		if errType == ErrorTypeUnknown {
			errType = ErrorTypeNetwork
		}
		recordSendError("socket", errType)
		return &SendError{Err: fmt.Errorf("socket write: %w", err), Type: errType}
	}

	sendBytesTotal.WithLabelValues("socket").Add(float64(len(payload)))
	return nil
}

// Close closes the connection and waits for its watcher to exit.
func (s *Socket) Close() error {
	s.mu.Lock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
		s.conn = nil
		s.connected.Store(false)
	}
	s.mu.Unlock()

	s.watchers.Wait()
	return err
}

func (s *Socket) dropLocked() {
	_ = s.conn.Close()
	s.conn = nil
	s.connected.Store(false)
	socketDisconnectsTotal.Inc()
}

func errString(err error) string {
	if err == nil {
		return "EOF"
	}
	return err.Error()
}
