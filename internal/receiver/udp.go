package receiver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/szibis/metrics-forwarder/internal/logging"
)

const (
	// DefaultMaxPacketSize covers the largest UDP datagram.
	DefaultMaxPacketSize = 65535
	defaultReadBuffer    = 4 << 20
)

// UDPConfig configures the UDP line receiver.
type UDPConfig struct {
	Addr          string
	MaxPacketSize int
	// ReadBuffer sets SO_RCVBUF. Zero uses 4 MiB; negative keeps the OS default.
	ReadBuffer int
}

// UDPReceiver reads statsd-style lines, one or more per datagram.
type UDPReceiver struct {
	conn   *net.UDPConn
	sink   Sink
	buf    []byte
	closed chan struct{}
	once   sync.Once
}

// ListenUDP binds cfg.Addr. Call Serve to start reading.
func ListenUDP(cfg UDPConfig, sink Sink) (*UDPReceiver, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("resolve udp address %q: %w", cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %q: %w", cfg.Addr, err)
	}

	readBuffer := cfg.ReadBuffer
	if readBuffer == 0 {
		readBuffer = defaultReadBuffer
	}
	if readBuffer > 0 {
		if err := conn.SetReadBuffer(readBuffer); err != nil {
			logging.Warn("could not set udp read buffer", logging.F(
				"size", readBuffer,
				"error", err.Error(),
			))
		}
	}

	size := cfg.MaxPacketSize
	if size <= 0 {
		size = DefaultMaxPacketSize
	}
	return &UDPReceiver{
		conn:   conn,
		sink:   sink,
		buf:    make([]byte, size),
		closed: make(chan struct{}),
	}, nil
}

// Addr returns the bound address.
func (r *UDPReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Serve reads datagrams until Close. It returns nil after Close.
func (r *UDPReceiver) Serve() error {
	logging.Info("UDP receiver started", logging.F("addr", r.Addr().String()))
	for {
		n, _, err := r.conn.ReadFromUDP(r.buf)
		if err != nil {
			select {
			case <-r.closed:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			incErrors(protocolUDP, "read", 1)
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			logging.Warn("udp read failed", logging.F("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		receiverRequestsTotal.WithLabelValues(protocolUDP).Inc()
		accepted, rejected := parseLines(r.buf[:n], r.sink)
		receiverSamplesTotal.WithLabelValues(protocolUDP).Add(float64(accepted))
		incErrors(protocolUDP, "malformed", rejected)
	}
}

// Close stops Serve and releases the socket.
func (r *UDPReceiver) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		err = r.conn.Close()
	})
	return err
}

// HealthCheck fails once the receiver is closed.
func (r *UDPReceiver) HealthCheck() error {
	select {
	case <-r.closed:
		return errors.New("udp receiver closed")
	default:
		return nil
	}
}
