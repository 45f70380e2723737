package receiver

import (
	"bytes"
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/szibis/metrics-forwarder/internal/compression"
	"github.com/szibis/metrics-forwarder/internal/sample"
	"go.uber.org/goleak"
)

type collector struct {
	mu  sync.Mutex
	got []sample.Sample
}

func (c *collector) Send(s sample.Sample) {
	c.mu.Lock()
	c.got = append(c.got, s)
	c.mu.Unlock()
}

func (c *collector) samples() []sample.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sample.Sample(nil), c.got...)
}

func (c *collector) waitFor(t *testing.T, n int) []sample.Sample {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.samples(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d samples, have %d", n, len(c.samples()))
	return nil
}

func TestParseLines(t *testing.T) {
	var c collector
	payload := []byte("a:1|c\n\n  b:12.5|ms  \nbroken\nc:2|g\n:3|c\ne:NaN|c\nf:-Inf|ms\nd:4|c|@0.5")
	accepted, rejected := parseLines(payload, &c)
	if accepted != 3 || rejected != 5 {
		t.Fatalf("accepted=%d rejected=%d, want 3 and 5", accepted, rejected)
	}
	want := []sample.Sample{
		sample.NewCounter("a", 1),
		sample.NewTiming("b", 12.5),
		sample.NewCounter("d", 4),
	}
	got := c.samples()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		s    sample.Sample
		want bool
	}{
		{sample.NewCounter("a", 1), true},
		{sample.NewTiming("b", 0), true},
		{sample.NewCounter("", 1), false},
		{sample.Sample{Name: "zero", Value: 1}, false},
		{sample.NewCounter("nan", math.NaN()), false},
		{sample.NewTiming("inf", math.Inf(1)), false},
	}
	for _, tt := range tests {
		if got := valid(tt.s); got != tt.want {
			t.Errorf("valid(%+v) = %v, want %v", tt.s, got, tt.want)
		}
	}
}

func TestReadLines(t *testing.T) {
	var c collector
	before := testutil.ToFloat64(receiverErrorsTotal.WithLabelValues(protocolLines, "malformed"))

	n, err := ReadLines(context.Background(), strings.NewReader("jobs:1|c\nnope\napi.latency:13|ms\n"), &c)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(c.samples()) != 2 {
		t.Fatalf("accepted %d, collected %d", n, len(c.samples()))
	}
	if d := testutil.ToFloat64(receiverErrorsTotal.WithLabelValues(protocolLines, "malformed")) - before; d != 1 {
		t.Errorf("malformed delta = %v, want 1", d)
	}
}

func TestReadLines_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var c collector
	_, err := ReadLines(ctx, strings.NewReader("a:1|c\n"), &c)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestUDPReceiver(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var c collector
	r, err := ListenUDP(UDPConfig{Addr: "127.0.0.1:0", ReadBuffer: -1}, &c)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve() }()

	conn, err := net.Dial("udp", r.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("a:1|c\nb:12|ms\n")); err != nil {
		t.Fatal(err)
	}

	got := c.waitFor(t, 2)
	if got[0] != sample.NewCounter("a", 1) || got[1] != sample.NewTiming("b", 12) {
		t.Errorf("got %+v", got)
	}
	if err := r.HealthCheck(); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after Close", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
	if r.HealthCheck() == nil {
		t.Error("HealthCheck should fail after Close")
	}
	_ = r.Close()
}

func newTestHTTP(t *testing.T, cfg HTTPConfig) (*collector, *httptest.Server) {
	t.Helper()
	c := &collector{}
	r, err := NewHTTP(cfg, c)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(r.Handler())
	t.Cleanup(server.Close)
	return c, server
}

func post(t *testing.T, url string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp
}

func TestHTTPReceiver_JSON(t *testing.T) {
	c, server := newTestHTTP(t, HTTPConfig{})
	body := []byte(`[{"name":"a","value":1,"type":"c"},{"name":"b","value":12,"type":"ms"}]`)

	resp := post(t, server.URL+DefaultPath, body, map[string]string{"Content-Type": "application/json"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get(acceptedHeader) != "2" {
		t.Errorf("%s = %q", acceptedHeader, resp.Header.Get(acceptedHeader))
	}
	got := c.samples()
	if len(got) != 2 || got[0] != sample.NewCounter("a", 1) || got[1] != sample.NewTiming("b", 12) {
		t.Errorf("got %+v", got)
	}
}

func TestHTTPReceiver_Compressed(t *testing.T) {
	batch := []sample.Sample{sample.NewCounter("a", 1), sample.NewTiming("b", 7)}
	raw, err := sample.EncodeJSON(batch)
	if err != nil {
		t.Fatal(err)
	}
	for _, typ := range []compression.Type{compression.TypeGzip, compression.TypeZstd} {
		t.Run(string(typ), func(t *testing.T) {
			c, server := newTestHTTP(t, HTTPConfig{})
			body, err := compression.Compress(raw, typ)
			if err != nil {
				t.Fatal(err)
			}
			resp := post(t, server.URL+DefaultPath, body, map[string]string{"Content-Encoding": typ.ContentEncoding()})
			if resp.StatusCode != http.StatusNoContent {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if got := c.samples(); len(got) != 2 || got[1] != batch[1] {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestHTTPReceiver_Lines(t *testing.T) {
	c, server := newTestHTTP(t, HTTPConfig{Path: "/ingest"})
	resp := post(t, server.URL+"/ingest", []byte("a:1|c\nb:2|ms\n"), map[string]string{"Content-Type": "text/plain; charset=utf-8"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(c.samples()) != 2 {
		t.Errorf("got %+v", c.samples())
	}
}

func TestHTTPReceiver_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HTTPConfig
		method  string
		body    string
		headers map[string]string
		want    int
	}{
		{"wrong method", HTTPConfig{}, http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", HTTPConfig{}, http.MethodPost, `[{"name":`, nil, http.StatusBadRequest},
		{"unknown type", HTTPConfig{}, http.MethodPost, `[{"name":"a","value":1,"type":"g"}]`, nil, http.StatusBadRequest},
		{"missing type", HTTPConfig{}, http.MethodPost, `[{"name":"a","value":1}]`, nil, http.StatusBadRequest},
		{"content type", HTTPConfig{}, http.MethodPost, `[]`, map[string]string{"Content-Type": "application/x-protobuf"}, http.StatusUnsupportedMediaType},
		{"encoding", HTTPConfig{}, http.MethodPost, `[]`, map[string]string{"Content-Encoding": "br"}, http.StatusUnsupportedMediaType},
		{"corrupt gzip", HTTPConfig{}, http.MethodPost, `not gzip`, map[string]string{"Content-Encoding": "gzip"}, http.StatusBadRequest},
		{"too large", HTTPConfig{MaxRequestBodySize: 8}, http.MethodPost, `[{"name":"a","value":1,"type":"c"}]`, nil, http.StatusRequestEntityTooLarge},
		{"missing key", HTTPConfig{APIKey: "secret"}, http.MethodPost, `[]`, nil, http.StatusUnauthorized},
		{"wrong key", HTTPConfig{APIKey: "secret"}, http.MethodPost, `[]`, map[string]string{"STAGGREGATOR_KEY": "nope"}, http.StatusUnauthorized},
		{"right key", HTTPConfig{APIKey: "secret"}, http.MethodPost, `[]`, map[string]string{"STAGGREGATOR_KEY": "secret"}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, server := newTestHTTP(t, tt.cfg)
			req, _ := http.NewRequest(tt.method, server.URL+DefaultPath, strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusNoContent && len(c.samples()) != 0 {
				t.Errorf("rejected request delivered %d samples", len(c.samples()))
			}
		})
	}
}

func TestHTTPReceiver_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	var c collector
	r, err := NewHTTP(HTTPConfig{Addr: "127.0.0.1:0"}, &c)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Start() }()

	if err := r.HealthCheck(); err != nil {
		t.Fatalf("HealthCheck() = %v", err)
	}
	client := &http.Client{Transport: &http.Transport{}}
	resp, err := client.Post("http://"+r.Addr()+DefaultPath, "application/json", strings.NewReader(`[{"name":"x","value":1,"type":"c"}]`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	client.CloseIdleConnections()
	c.waitFor(t, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Errorf("Start() = %v, want nil after Stop", err)
	}
}
