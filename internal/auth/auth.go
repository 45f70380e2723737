// Package auth attaches the static aggregator credential (and any operator
// supplied static headers) to outgoing HTTP requests.
package auth

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// DefaultKeyHeader is the header carrying the aggregator API key.
const DefaultKeyHeader = "STAGGREGATOR_KEY"

// ClientConfig holds the credential sent with every batch.
type ClientConfig struct {
	// APIKey is sent in KeyHeader. An empty key still sends the header.
	APIKey string
	// KeyHeader overrides DefaultKeyHeader.
	KeyHeader string
	// Headers are extra static headers to send with requests.
	Headers map[string]string
}

func (c ClientConfig) keyHeader() string {
	if c.KeyHeader == "" {
		return DefaultKeyHeader
	}
	return c.KeyHeader
}

// Apply sets the credential and static headers on h.
// The key header is written verbatim, not canonicalised: aggregators match
// STAGGREGATOR_KEY with the underscore and upper case intact.
func (c ClientConfig) Apply(h http.Header) {
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	h[c.keyHeader()] = []string{c.APIKey}
}

// HTTPTransport returns an http.RoundTripper that adds the credential headers.
func HTTPTransport(cfg ClientConfig, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &authTransport{
		base: base,
		cfg:  cfg,
	}
}

type authTransport struct {
	base http.RoundTripper
	cfg  ClientConfig
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	reqClone := req.Clone(req.Context())
	t.cfg.Apply(reqClone.Header)
	return t.base.RoundTrip(reqClone)
}

// CloseIdleConnections forwards to the base transport so http.Client can
// release pooled connections through the wrapper.
func (t *authTransport) CloseIdleConnections() {
	type closeIdler interface{ CloseIdleConnections() }
	if c, ok := t.base.(closeIdler); ok {
		c.CloseIdleConnections()
	}
}

// ParseHeaders parses "key1=value1,key2=value2" into a map.
// Whitespace around keys and values is trimmed; empty entries are skipped.
func ParseHeaders(s string) (map[string]string, error) {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q: expected key=value", pair)
		}
		headers[k] = strings.TrimSpace(v)
	}
	return headers, nil
}

// FormatHeaders is the inverse of ParseHeaders with keys in sorted order.
func FormatHeaders(headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+headers[k])
	}
	return strings.Join(parts, ",")
}
