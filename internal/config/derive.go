package config

import (
	"github.com/szibis/metrics-forwarder/forwarder"
	"github.com/szibis/metrics-forwarder/internal/auth"
	"github.com/szibis/metrics-forwarder/internal/receiver"
	"github.com/szibis/metrics-forwarder/internal/telemetry"
	tlspkg "github.com/szibis/metrics-forwarder/internal/tls"
)

// UpstreamTLSConfig returns the TLS settings towards the aggregator.
func (c *Config) UpstreamTLSConfig() tlspkg.ClientConfig {
	return tlspkg.ClientConfig{
		Enabled:            c.TLSEnabled,
		CertFile:           c.TLSCertFile,
		KeyFile:            c.TLSKeyFile,
		CAFile:             c.TLSCAFile,
		InsecureSkipVerify: c.TLSInsecureSkipVerify,
		ServerName:         c.TLSServerName,
	}
}

// ForwarderOptions maps the dispatch and transport settings to client
// options. Call Validate first; parse errors here surface from the client
// constructor.
func (c *Config) ForwarderOptions() ([]forwarder.Option, error) {
	window, err := forwarder.ParseWindowPolicy(c.WindowPolicy)
	if err != nil {
		return nil, err
	}
	opts := []forwarder.Option{
		forwarder.WithBaseWait(c.BaseWait),
		forwarder.WithMaxMultiplier(c.MaxMultiplier),
		forwarder.WithWindowPolicy(window),
		forwarder.WithFixedWindow(c.FixedWindow),
		forwarder.WithConnectRetryDelay(c.ConnectRetryDelay),
		forwarder.WithSendTimeout(c.SendTimeout),
		forwarder.WithHTTPTimeout(c.HTTPTimeout),
		forwarder.WithCompression(c.Compression),
	}
	if c.Headers != "" {
		headers, err := auth.ParseHeaders(c.Headers)
		if err != nil {
			return nil, err
		}
		opts = append(opts, forwarder.WithHeaders(headers))
	}
	tlsCfg := c.UpstreamTLSConfig()
	if tlsCfg.Enabled || tlsCfg.CAFile != "" || tlsCfg.CertFile != "" ||
		tlsCfg.InsecureSkipVerify || tlsCfg.ServerName != "" {
		opts = append(opts, forwarder.WithTLS(tlsCfg))
	}
	return opts, nil
}

// Dial starts the forwarding client for whichever upstream is configured.
func (c *Config) Dial(extra ...forwarder.Option) (*forwarder.Client, error) {
	opts, err := c.ForwarderOptions()
	if err != nil {
		return nil, err
	}
	opts = append(opts, extra...)
	if c.SocketAddr != "" {
		host, port, err := SplitHostPort(c.SocketAddr)
		if err != nil {
			return nil, err
		}
		return forwarder.Connect(host, port, opts...)
	}
	return forwarder.Start(c.URL, c.APIKey, opts...)
}

// UDPReceiverConfig returns the UDP ingest settings.
func (c *Config) UDPReceiverConfig() receiver.UDPConfig {
	return receiver.UDPConfig{
		Addr:          c.UDPListenAddr,
		MaxPacketSize: c.UDPMaxPacketSize,
	}
}

// HTTPReceiverConfig returns the HTTP ingest settings.
func (c *Config) HTTPReceiverConfig() receiver.HTTPConfig {
	return receiver.HTTPConfig{
		Addr:               c.HTTPListenAddr,
		Path:               c.HTTPReceiverPath,
		APIKey:             c.ReceiverAPIKey,
		MaxRequestBodySize: c.HTTPMaxBodySize,
		TLS: tlspkg.ServerConfig{
			Enabled:      c.ReceiverTLSEnabled,
			CertFile:     c.ReceiverTLSCert,
			KeyFile:      c.ReceiverTLSKey,
			ClientCAFile: c.ReceiverTLSCA,
		},
	}
}

// TelemetryConfig returns the OTLP export settings.
func (c *Config) TelemetryConfig() telemetry.Config {
	protocol, _ := telemetry.ParseProtocol(c.TelemetryProtocol)
	return telemetry.Config{
		Endpoint:        c.TelemetryEndpoint,
		Protocol:        protocol,
		Insecure:        c.TelemetryInsecure,
		PushInterval:    c.TelemetryPushInterval,
		ShutdownTimeout: c.ShutdownTimeout,
	}
}

// Upstream names the configured aggregator endpoint.
func (c *Config) Upstream() string {
	if c.SocketAddr != "" {
		return c.SocketAddr
	}
	return c.URL
}
