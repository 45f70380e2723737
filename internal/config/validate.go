package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/szibis/metrics-forwarder/internal/auth"
	"github.com/szibis/metrics-forwarder/internal/compression"
	"github.com/szibis/metrics-forwarder/internal/dispatcher"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/telemetry"
)

// Validate checks the configuration and returns every problem found,
// joined into one error.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch {
	case c.SocketAddr == "" && c.URL == "":
		add("one of -socket or -url is required")
	case c.SocketAddr != "" && c.URL != "":
		add("-socket and -url are mutually exclusive")
	case c.SocketAddr != "":
		if _, _, err := SplitHostPort(c.SocketAddr); err != nil {
			add("-socket: %v", err)
		}
		if ct, err := compression.ParseType(c.Compression); err == nil && ct != compression.TypeNone {
			add("-compression applies to -url only")
		}
	default:
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("-url: expected http(s)://host[:port]/path, got %q", c.URL)
		}
	}

	if _, err := compression.ParseType(c.Compression); err != nil {
		add("-compression: %v", err)
	}
	if _, err := auth.ParseHeaders(c.Headers); err != nil {
		add("-headers: %v", err)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		add("-tls-cert and -tls-key must be set together")
	}

	if c.BaseWait <= 0 {
		add("-base-wait must be positive, got %s", c.BaseWait)
	}
	if c.MaxMultiplier < 1 {
		add("-max-multiplier must be at least 1, got %d", c.MaxMultiplier)
	}
	if _, err := dispatcher.ParseWindowPolicy(c.WindowPolicy); err != nil {
		add("-window-policy: %v", err)
	}
	if c.FixedWindow <= 0 {
		add("-fixed-window must be positive, got %s", c.FixedWindow)
	}
	if c.ConnectRetryDelay <= 0 {
		add("-connect-retry-delay must be positive, got %s", c.ConnectRetryDelay)
	}
	if c.SendTimeout < 0 {
		add("-send-timeout must not be negative")
	}

	if c.UDPListenAddr != "" && c.UDPMaxPacketSize <= 0 {
		add("-udp-max-packet-size must be positive")
	}
	if c.HTTPListenAddr != "" {
		if !strings.HasPrefix(c.HTTPReceiverPath, "/") {
			add("-http-receiver-path must start with /, got %q", c.HTTPReceiverPath)
		}
		if c.HTTPMaxBodySize <= 0 {
			add("-http-max-body-size must be positive")
		}
		if c.ReceiverTLSEnabled && (c.ReceiverTLSCert == "" || c.ReceiverTLSKey == "") {
			add("-receiver-tls-enabled requires -receiver-tls-cert and -receiver-tls-key")
		}
	}

	if c.ReadyMaxQueue < 0 {
		add("-ready-max-queue must not be negative")
	}
	if c.MemoryLimitRatio < 0 || c.MemoryLimitRatio > 1 {
		add("-memlimit-ratio must be within [0, 1], got %g", c.MemoryLimitRatio)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("-log-level: %v", err)
	}
	if c.TelemetryEndpoint != "" {
		if _, err := telemetry.ParseProtocol(c.TelemetryProtocol); err != nil {
			add("-telemetry-protocol: %v", err)
		}
	}

	return errors.Join(errs...)
}

// HasIngest reports whether any local receiver is enabled.
func (c *Config) HasIngest() bool {
	return c.UDPListenAddr != "" || c.HTTPListenAddr != "" || c.Stdin
}

// SplitHostPort splits a socket address and checks the port range.
func SplitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	return host, port, nil
}
