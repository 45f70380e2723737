package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/http2"

	"github.com/szibis/metrics-forwarder/internal/auth"
	"github.com/szibis/metrics-forwarder/internal/compression"
	"github.com/szibis/metrics-forwarder/internal/sample"
)

const (
	// DefaultHTTPTimeout bounds one POST including reading the response.
	DefaultHTTPTimeout = 30 * time.Second

	maxErrorBody = 1024
)

// HTTPConfig configures the JSON-over-HTTP transport.
type HTTPConfig struct {
	// URL is the full ingest URL; it is used as is, no path is appended.
	URL string
	// APIKey is sent in the STAGGREGATOR_KEY header, even when empty.
	APIKey string
	// KeyHeader overrides the API key header name.
	KeyHeader string
	// Headers are extra static request headers.
	Headers map[string]string
	// Timeout bounds one request. Zero uses DefaultHTTPTimeout; negative
	// disables the client timeout.
	Timeout time.Duration
	// Compression encodes the request body.
	Compression compression.Type
	// TLS overrides the client TLS configuration for https URLs.
	TLS *tls.Config

	// Connection pool tuning. Zero values use the defaults below.
	MaxIdleConns         int
	MaxIdleConnsPerHost  int
	MaxConnsPerHost      int
	IdleConnTimeout      time.Duration
	ForceAttemptHTTP2    bool
	HTTP2ReadIdleTimeout time.Duration
	HTTP2PingTimeout     time.Duration
}

// HTTP posts each batch as a JSON array.
type HTTP struct {
	endpoint    string
	client      *http.Client
	compression compression.Type
}

// NewHTTP validates the URL and builds a pooled client.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid aggregator URL %q: %w", cfg.URL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid aggregator URL %q: want http(s)://host[:port]/path", cfg.URL)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     cfg.ForceAttemptHTTP2,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// A single dispatcher sends one batch at a time, so a small pool suffices.
	if transport.MaxIdleConns == 0 {
		transport.MaxIdleConns = 4
	}
	if transport.MaxIdleConnsPerHost == 0 {
		transport.MaxIdleConnsPerHost = 2
	}
	if transport.IdleConnTimeout == 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}

	if u.Scheme == "https" {
		if cfg.TLS != nil {
			transport.TLSClientConfig = cfg.TLS
		} else {
			transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}

	if cfg.ForceAttemptHTTP2 || transport.TLSClientConfig != nil {
		h2, err := http2.ConfigureTransports(transport)
		if err == nil && h2 != nil {
			if cfg.HTTP2ReadIdleTimeout > 0 {
				h2.ReadIdleTimeout = cfg.HTTP2ReadIdleTimeout
			}
			if cfg.HTTP2PingTimeout > 0 {
				h2.PingTimeout = cfg.HTTP2PingTimeout
			}
		}
	}

	timeout := cfg.Timeout
	switch {
	case timeout == 0:
		timeout = DefaultHTTPTimeout
	case timeout < 0:
		timeout = 0
	}

	return &HTTP{
		endpoint: u.String(),
		client: &http.Client{
			Transport: auth.HTTPTransport(auth.ClientConfig{
				APIKey:    cfg.APIKey,
				KeyHeader: cfg.KeyHeader,
				Headers:   cfg.Headers,
			}, transport),
			Timeout: timeout,
		},
		compression: cfg.Compression,
	}, nil
}

// Endpoint returns the URL batches are posted to.
func (h *HTTP) Endpoint() string { return h.endpoint }

// Send posts the batch. Any non-2xx response is a failure.
func (h *HTTP) Send(ctx context.Context, batch []sample.Sample) error {
	if len(batch) == 0 {
		return nil
	}
	body, err := sample.EncodeJSON(batch)
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to encode batch: %w", err), Type: ErrorTypeUnknown}
	}
	if h.compression != compression.TypeNone && h.compression != "" {
		body, err = compression.Compress(body, h.compression)
		if err != nil {
			return &SendError{Err: fmt.Errorf("failed to compress batch: %w", err), Type: ErrorTypeUnknown}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return &SendError{Err: fmt.Errorf("failed to create request: %w", err), Type: ErrorTypeUnknown}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding := h.compression.ContentEncoding(); encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	sendRequestsTotal.WithLabelValues("http").Inc()
	start := time.Now()
	resp, err := h.client.Do(req)
	sendDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	if err != nil {
		errType := classifyError(err)
		recordSendError("http", errType)
		return &SendError{Err: fmt.Errorf("failed to send request: %w", err), Type: errType}
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	// drain the rest so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errType := classifyHTTPStatusCode(resp.StatusCode)
		recordSendError("http", errType)
		return &SendError{
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
			Type:       errType,
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	sendBytesTotal.WithLabelValues("http").Add(float64(len(body)))
	return nil
}

// Close releases idle connections.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
