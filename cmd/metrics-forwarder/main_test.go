package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szibis/metrics-forwarder/forwarder"
	"github.com/szibis/metrics-forwarder/internal/config"
	"github.com/szibis/metrics-forwarder/internal/sample"
)

type aggregator struct {
	mu  sync.Mutex
	got []sample.Sample
	key []string
}

func (a *aggregator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	batch, err := sample.DecodeJSON(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	a.mu.Lock()
	a.got = append(a.got, batch...)
	a.key = r.Header.Values("STAGGREGATOR_KEY")
	a.mu.Unlock()
}

func (a *aggregator) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.got)
}

func testConfig(url string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.URL = url
	cfg.APIKey = "relay-key"
	cfg.BaseWait = 10 * time.Millisecond
	cfg.MemoryLimitRatio = 0
	cfg.UDPListenAddr = ""
	cfg.StatsAddr = ""
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.LogLevel = "error"
	return cfg
}

func TestRun_UDPToHTTP(t *testing.T) {
	agg := &aggregator{}
	server := httptest.NewServer(agg)
	defer server.Close()

	cfg := testConfig(server.URL + "/ingest")
	cfg.UDPListenAddr = "127.0.0.1:0"
	cfg.StatsAddr = "127.0.0.1:0"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrCh := make(chan map[string]string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, strings.NewReader(""), func(a map[string]string) { addrCh <- a }) }()

	var addrs map[string]string
	select {
	case addrs = <-addrCh:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not start")
	}

	conn, err := net.Dial("udp", addrs["udp"])
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("jobs.done:1|c\napi.latency:13|ms\n")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for agg.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if agg.count() != 2 {
		t.Fatalf("aggregator received %d samples, want 2", agg.count())
	}
	agg.mu.Lock()
	if len(agg.key) != 1 || agg.key[0] != "relay-key" {
		t.Errorf("STAGGREGATOR_KEY = %v", agg.key)
	}
	agg.mu.Unlock()

	resp, err := http.Get("http://" + addrs["stats"] + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/ready = %d", resp.StatusCode)
	}

	resp, err = http.Get("http://" + addrs["stats"] + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	metrics, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, name := range []string{"metrics_forwarder_receiver_samples_total", "metrics_forwarder_dispatch_batches_total"} {
		if !strings.Contains(string(metrics), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down")
	}
}

func TestRun_StdinOnlyExitsAtEOF(t *testing.T) {
	agg := &aggregator{}
	server := httptest.NewServer(agg)
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.Stdin = true

	done := make(chan error, 1)
	input := "a:1|c\nb:2|c\nlat:7|ms\n"
	go func() { done <- run(context.Background(), cfg, strings.NewReader(input), nil) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not exit after stdin EOF")
	}

	if got := agg.count(); got != 3 {
		t.Fatalf("aggregator received %d samples, want 3", got)
	}
	agg.mu.Lock()
	defer agg.mu.Unlock()
	want := []sample.Sample{sample.NewCounter("a", 1), sample.NewCounter("b", 2), sample.NewTiming("lat", 7)}
	for i, w := range want {
		if agg.got[i] != w {
			t.Errorf("sample %d = %+v, want %+v", i, agg.got[i], w)
		}
	}
}

func TestRun_InvalidUpstream(t *testing.T) {
	cfg := testConfig("ftp://nowhere")
	if err := run(context.Background(), cfg, strings.NewReader(""), nil); err == nil {
		t.Error("expected error for unsupported upstream scheme")
	}
}

func TestDrain_FlushesQueuedSamples(t *testing.T) {
	agg := &aggregator{}
	release := make(chan struct{})
	var first sync.Once
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		first.Do(func() { <-release })
		agg.ServeHTTP(w, r)
	}))
	defer server.Close()

	client, err := forwarder.Start(server.URL, "", forwarder.WithBaseWait(5*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	client.Send(sample.NewCounter("first", 1))
	time.Sleep(50 * time.Millisecond)
	client.Send(sample.NewCounter("second", 1))
	client.Send(sample.NewCounter("third", 1))

	time.AfterFunc(50*time.Millisecond, func() { close(release) })
	drain(client, 5*time.Second)

	if got := agg.count(); got != 3 {
		t.Errorf("aggregator received %d samples, want 3", got)
	}
}
