package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/metrics-forwarder/internal/auth"
	tlspkg "github.com/szibis/metrics-forwarder/internal/tls"
	"gopkg.in/yaml.v3"
)

// YAMLConfig is the file form of Config. Unset fields leave the
// corresponding Config value untouched.
type YAMLConfig struct {
	Upstream  UpstreamYAMLConfig  `yaml:"upstream"`
	Dispatch  DispatchYAMLConfig  `yaml:"dispatch"`
	Receivers ReceiversYAMLConfig `yaml:"receivers"`
	Server    ServerYAMLConfig    `yaml:"server"`
	Logging   LoggingYAMLConfig   `yaml:"logging"`
	Telemetry TelemetryYAMLConfig `yaml:"telemetry"`
}

// UpstreamYAMLConfig describes the aggregator.
type UpstreamYAMLConfig struct {
	Socket      string              `yaml:"socket"`
	URL         string              `yaml:"url"`
	APIKey      string              `yaml:"api_key"`
	Headers     map[string]string   `yaml:"headers"`
	Compression string              `yaml:"compression"`
	HTTPTimeout Duration            `yaml:"http_timeout"`
	SendTimeout Duration            `yaml:"send_timeout"`
	TLS         *tlspkg.ClientConfig `yaml:"tls"`
}

// DispatchYAMLConfig tunes batching and backoff.
type DispatchYAMLConfig struct {
	BaseWait          Duration `yaml:"base_wait"`
	MaxMultiplier     int      `yaml:"max_multiplier"`
	WindowPolicy      string   `yaml:"window_policy"`
	FixedWindow       Duration `yaml:"fixed_window"`
	ConnectRetryDelay Duration `yaml:"connect_retry_delay"`
}

// ReceiversYAMLConfig enables local ingest paths.
type ReceiversYAMLConfig struct {
	UDP   *UDPYAMLConfig  `yaml:"udp"`
	HTTP  *HTTPYAMLConfig `yaml:"http"`
	Stdin *bool           `yaml:"stdin"`
}

// UDPYAMLConfig configures UDP ingest.
type UDPYAMLConfig struct {
	Address       string `yaml:"address"`
	MaxPacketSize int    `yaml:"max_packet_size"`
}

// HTTPYAMLConfig configures HTTP ingest.
type HTTPYAMLConfig struct {
	Address     string               `yaml:"address"`
	Path        string               `yaml:"path"`
	MaxBodySize ByteSize             `yaml:"max_body_size"`
	APIKey      string               `yaml:"api_key"`
	TLS         *tlspkg.ServerConfig `yaml:"tls"`
}

// ServerYAMLConfig configures the stats listener and process limits.
type ServerYAMLConfig struct {
	StatsAddress     *string  `yaml:"stats_address"`
	ReadyMaxQueue    int      `yaml:"ready_max_queue"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
	MemoryLimitRatio *float64 `yaml:"memory_limit_ratio"`
}

// LoggingYAMLConfig configures the logger.
type LoggingYAMLConfig struct {
	Level string `yaml:"level"`
}

// TelemetryYAMLConfig configures OTLP self telemetry.
type TelemetryYAMLConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Protocol     string   `yaml:"protocol"`
	Insecure     *bool    `yaml:"insecure"`
	PushInterval Duration `yaml:"push_interval"`
}

// Duration is a wrapper for time.Duration that supports YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	duration, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is an int64 byte count that accepts Ki, Mi and Gi suffixes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

// ParseByteSize parses "512", "64Ki", "8Mi" or "1Gi".
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	suffixes := []struct {
		name string
		mult int64
	}{
		{"Gi", 1 << 30},
		{"Mi", 1 << 20},
		{"Ki", 1 << 10},
	}
	for _, sf := range suffixes {
		if num, ok := strings.CutSuffix(s, sf.name); ok {
			var f float64
			if _, err := fmt.Sscanf(strings.TrimSpace(num), "%g", &f); err != nil || f < 0 {
				return 0, fmt.Errorf("invalid byte size: %q", s)
			}
			return int64(f * float64(sf.mult)), nil
		}
	}
	var n int64
	var trail string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &trail); err == nil && trail != "" {
		return 0, fmt.Errorf("invalid byte size: %q (use Ki, Mi or Gi suffixes)", s)
	}
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil || n < 0 {
		return 0, fmt.Errorf("invalid byte size: %q", s)
	}
	return n, nil
}

// LoadYAML loads configuration from a YAML file.
func LoadYAML(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseYAML(data)
}

// ParseYAML parses YAML configuration from bytes. Unknown keys are errors.
func ParseYAML(data []byte) (*YAMLConfig, error) {
	cfg := &YAMLConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return cfg, nil
}

// ApplyTo overlays the set fields of y onto cfg.
func (y *YAMLConfig) ApplyTo(cfg *Config) {
	u := y.Upstream
	setString(&cfg.SocketAddr, u.Socket)
	setString(&cfg.URL, u.URL)
	setString(&cfg.APIKey, u.APIKey)
	if len(u.Headers) > 0 {
		cfg.Headers = auth.FormatHeaders(u.Headers)
	}
	setString(&cfg.Compression, u.Compression)
	setDuration(&cfg.HTTPTimeout, u.HTTPTimeout)
	setDuration(&cfg.SendTimeout, u.SendTimeout)
	if t := u.TLS; t != nil {
		cfg.TLSEnabled = t.Enabled
		cfg.TLSCertFile = t.CertFile
		cfg.TLSKeyFile = t.KeyFile
		cfg.TLSCAFile = t.CAFile
		cfg.TLSInsecureSkipVerify = t.InsecureSkipVerify
		cfg.TLSServerName = t.ServerName
	}

	d := y.Dispatch
	setDuration(&cfg.BaseWait, d.BaseWait)
	if d.MaxMultiplier != 0 {
		cfg.MaxMultiplier = d.MaxMultiplier
	}
	setString(&cfg.WindowPolicy, d.WindowPolicy)
	setDuration(&cfg.FixedWindow, d.FixedWindow)
	setDuration(&cfg.ConnectRetryDelay, d.ConnectRetryDelay)

	r := y.Receivers
	if r.UDP != nil {
		cfg.UDPListenAddr = r.UDP.Address
		if r.UDP.MaxPacketSize != 0 {
			cfg.UDPMaxPacketSize = r.UDP.MaxPacketSize
		}
	}
	if h := r.HTTP; h != nil {
		cfg.HTTPListenAddr = h.Address
		setString(&cfg.HTTPReceiverPath, h.Path)
		if h.MaxBodySize != 0 {
			cfg.HTTPMaxBodySize = int64(h.MaxBodySize)
		}
		setString(&cfg.ReceiverAPIKey, h.APIKey)
		if t := h.TLS; t != nil {
			cfg.ReceiverTLSEnabled = t.Enabled
			cfg.ReceiverTLSCert = t.CertFile
			cfg.ReceiverTLSKey = t.KeyFile
			cfg.ReceiverTLSCA = t.ClientCAFile
		}
	}
	if r.Stdin != nil {
		cfg.Stdin = *r.Stdin
	}

	s := y.Server
	if s.StatsAddress != nil {
		cfg.StatsAddr = *s.StatsAddress
	}
	if s.ReadyMaxQueue != 0 {
		cfg.ReadyMaxQueue = s.ReadyMaxQueue
	}
	setDuration(&cfg.ShutdownTimeout, s.ShutdownTimeout)
	if s.MemoryLimitRatio != nil {
		cfg.MemoryLimitRatio = *s.MemoryLimitRatio
	}

	setString(&cfg.LogLevel, y.Logging.Level)

	t := y.Telemetry
	setString(&cfg.TelemetryEndpoint, t.Endpoint)
	setString(&cfg.TelemetryProtocol, t.Protocol)
	if t.Insecure != nil {
		cfg.TelemetryInsecure = *t.Insecure
	}
	setDuration(&cfg.TelemetryPushInterval, t.PushInterval)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v Duration) {
	if v != 0 {
		*dst = time.Duration(v)
	}
}
