package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/szibis/metrics-forwarder/internal/sample"
	"go.uber.org/goleak"
)

// lineServer accepts one connection at a time and forwards received lines.
type lineServer struct {
	ln    net.Listener
	lines chan string
	conns chan net.Conn
}

func newLineServer(t *testing.T, addr string) *lineServer {
	t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &lineServer{ln: ln, lines: make(chan string, 100), conns: make(chan net.Conn, 10)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.conns <- conn
			go func() {
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					s.lines <- sc.Text()
				}
			}()
		}
	}()
	return s
}

func (s *lineServer) expect(t *testing.T, want ...string) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-s.lines:
			if got != w {
				t.Fatalf("line = %q, want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocket_SendLines(t *testing.T) {
	srv := newLineServer(t, "127.0.0.1:0")
	defer srv.ln.Close()

	s := NewSocket(SocketConfig{Address: srv.ln.Addr().String()})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.Connected() {
		t.Fatal("expected connected")
	}

	batch := []sample.Sample{sample.NewCounter("api.requests", 1), sample.NewTiming("api.latency", 12.5)}
	if err := s.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send: %v", err)
	}
	srv.expect(t, "api.requests:1|c", "api.latency:12.5|ms")
}

func TestSocket_SendWhileDisconnected(t *testing.T) {
	s := NewSocket(SocketConfig{Address: "127.0.0.1:1"})
	err := s.Send(context.Background(), []sample.Sample{sample.NewCounter("x", 1)})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
	if TypeOf(err) != ErrorTypeNetwork {
		t.Errorf("TypeOf(ErrNotConnected) = %s", TypeOf(err))
	}
	if err := s.Send(context.Background(), nil); err != nil {
		t.Errorf("empty batch should be a no-op, got %v", err)
	}
}

func TestSocket_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	s := NewSocket(SocketConfig{Address: addr, DialTimeout: time.Second})
	err = s.Connect(context.Background())
	if err == nil {
		t.Fatal("expected connect error")
	}
	if TypeOf(err) != ErrorTypeNetwork {
		t.Errorf("TypeOf(%v) = %s, want network", err, TypeOf(err))
	}
	if s.Connected() {
		t.Error("should not be connected")
	}
}

func TestSocket_PeerCloseMarksDisconnected(t *testing.T) {
	srv := newLineServer(t, "127.0.0.1:0")
	defer srv.ln.Close()

	s := NewSocket(SocketConfig{Address: srv.ln.Addr().String()})
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	serverSide := <-srv.conns
	serverSide.Close()

	waitFor(t, func() bool { return !s.Connected() })

	err := s.Send(context.Background(), []sample.Sample{sample.NewCounter("x", 1)})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after peer close = %v, want ErrNotConnected", err)
	}

	// reconnect on the same listener
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := s.Send(context.Background(), []sample.Sample{sample.NewCounter("y", 2)}); err != nil {
		t.Fatal(err)
	}
	srv.expect(t, "y:2|c")
}

func TestSocket_EmptyAddress(t *testing.T) {
	if err := NewSocket(SocketConfig{}).Connect(context.Background()); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestLeakCheck_Socket(t *testing.T) {
	srv := newLineServer(t, "127.0.0.1:0")
	defer srv.ln.Close()

	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := NewSocket(SocketConfig{Address: srv.ln.Addr().String()})
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if s.Connected() {
		t.Error("should be disconnected after Close")
	}
}
