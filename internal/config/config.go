package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/szibis/metrics-forwarder/internal/backoff"
	"github.com/szibis/metrics-forwarder/internal/dispatcher"
	"github.com/szibis/metrics-forwarder/internal/receiver"
)

// version is set at build time via ldflags
var version = "dev"

// Version returns the build version.
func Version() string { return version }

// Config holds the relay configuration.
type Config struct {
	ConfigFile string

	// Upstream aggregator: exactly one of SocketAddr or URL.
	SocketAddr  string
	URL         string
	APIKey      string
	Headers     string // key1=value1,key2=value2
	Compression string
	HTTPTimeout time.Duration
	SendTimeout time.Duration

	// Upstream TLS
	TLSEnabled            bool
	TLSCertFile           string
	TLSKeyFile            string
	TLSCAFile             string
	TLSInsecureSkipVerify bool
	TLSServerName         string

	// Dispatch
	BaseWait          time.Duration
	MaxMultiplier     int
	WindowPolicy      string
	FixedWindow       time.Duration
	ConnectRetryDelay time.Duration

	// Ingest
	UDPListenAddr      string
	UDPMaxPacketSize   int
	HTTPListenAddr     string
	HTTPReceiverPath   string
	HTTPMaxBodySize    int64
	ReceiverAPIKey     string
	ReceiverTLSEnabled bool
	ReceiverTLSCert    string
	ReceiverTLSKey     string
	ReceiverTLSCA      string
	Stdin              bool

	// Operations
	StatsAddr        string
	ReadyMaxQueue    int
	ShutdownTimeout  time.Duration
	MemoryLimitRatio float64
	LogLevel         string

	// Self telemetry
	TelemetryEndpoint     string
	TelemetryProtocol     string
	TelemetryInsecure     bool
	TelemetryPushInterval time.Duration

	ShowHelp    bool
	ShowVersion bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Compression:       "none",
		HTTPTimeout:       30 * time.Second,
		BaseWait:          backoff.DefaultBase,
		MaxMultiplier:     backoff.DefaultMaxMultiplier,
		WindowPolicy:      dispatcher.WindowAuto.String(),
		FixedWindow:       dispatcher.DefaultFixedWindow,
		ConnectRetryDelay: dispatcher.DefaultConnectRetryDelay,
		UDPListenAddr:     ":8125",
		UDPMaxPacketSize:  receiver.DefaultMaxPacketSize,
		HTTPReceiverPath:  receiver.DefaultPath,
		HTTPMaxBodySize:   receiver.DefaultMaxRequestBodySize,
		StatsAddr:         ":9090",
		ShutdownTimeout:   10 * time.Second,
		MemoryLimitRatio:  0.9,
		LogLevel:          "info",
		TelemetryProtocol: "grpc",
		TelemetryInsecure: true,
	}
}

// ParseFlags builds a Config from defaults, then the YAML file named by
// -config, then the remaining flags. Flags always win over the file.
// -help and -version are reported through ShowHelp and ShowVersion.
func ParseFlags(args []string) (*Config, error) {
	cfg := DefaultConfig()

	if path := configPath(args); path != "" {
		y, err := LoadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		y.ApplyTo(cfg)
		cfg.ConfigFile = path
	}

	fs := newFlagSet(cfg)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return cfg, nil
}

// configPath scans args for -config without parsing the rest, so the file
// can seed the defaults the flag set is built from.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			return ""
		}
		name := strings.TrimLeft(a, "-")
		if name == a {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("metrics-forwarder", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "Path to YAML configuration file")

	// Upstream
	fs.StringVar(&cfg.SocketAddr, "socket", cfg.SocketAddr, "Aggregator host:port for the line protocol over TCP")
	fs.StringVar(&cfg.URL, "url", cfg.URL, "Aggregator URL for JSON batches over HTTP(S)")
	fs.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "Credential sent in the STAGGREGATOR_KEY header")
	fs.StringVar(&cfg.Headers, "headers", cfg.Headers, "Extra HTTP headers (key1=value1,key2=value2)")
	fs.StringVar(&cfg.Compression, "compression", cfg.Compression, "HTTP body compression: none, gzip, zstd")
	fs.DurationVar(&cfg.HTTPTimeout, "http-timeout", cfg.HTTPTimeout, "HTTP client timeout, negative for none")
	fs.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "Bound on a single batch transmit, 0 for the transport default")

	fs.BoolVar(&cfg.TLSEnabled, "tls-enabled", cfg.TLSEnabled, "Use TLS on the aggregator socket")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert", cfg.TLSCertFile, "Client certificate file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key", cfg.TLSKeyFile, "Client private key file")
	fs.StringVar(&cfg.TLSCAFile, "tls-ca", cfg.TLSCAFile, "CA bundle for verifying the aggregator")
	fs.BoolVar(&cfg.TLSInsecureSkipVerify, "tls-skip-verify", cfg.TLSInsecureSkipVerify, "Skip aggregator certificate verification")
	fs.StringVar(&cfg.TLSServerName, "tls-server-name", cfg.TLSServerName, "Override the server name checked against the certificate")

	// Dispatch
	fs.DurationVar(&cfg.BaseWait, "base-wait", cfg.BaseWait, "Initial batching window and backoff base")
	fs.IntVar(&cfg.MaxMultiplier, "max-multiplier", cfg.MaxMultiplier, "Backoff cap as a multiple of base-wait")
	fs.StringVar(&cfg.WindowPolicy, "window-policy", cfg.WindowPolicy, "Drain window: auto, fixed, adaptive")
	fs.DurationVar(&cfg.FixedWindow, "fixed-window", cfg.FixedWindow, "Drain window under the fixed policy")
	fs.DurationVar(&cfg.ConnectRetryDelay, "connect-retry-delay", cfg.ConnectRetryDelay, "Pause between socket connect attempts")

	// Ingest
	fs.StringVar(&cfg.UDPListenAddr, "udp-listen", cfg.UDPListenAddr, "UDP line ingest address, empty to disable")
	fs.IntVar(&cfg.UDPMaxPacketSize, "udp-max-packet-size", cfg.UDPMaxPacketSize, "Largest accepted UDP datagram")
	fs.StringVar(&cfg.HTTPListenAddr, "http-listen", cfg.HTTPListenAddr, "HTTP ingest address, empty to disable")
	fs.StringVar(&cfg.HTTPReceiverPath, "http-receiver-path", cfg.HTTPReceiverPath, "HTTP ingest path")
	fs.Int64Var(&cfg.HTTPMaxBodySize, "http-max-body-size", cfg.HTTPMaxBodySize, "Largest accepted HTTP body in bytes, after decompression")
	fs.StringVar(&cfg.ReceiverAPIKey, "receiver-api-key", cfg.ReceiverAPIKey, "Key required from HTTP ingest clients")
	fs.BoolVar(&cfg.ReceiverTLSEnabled, "receiver-tls-enabled", cfg.ReceiverTLSEnabled, "Serve HTTP ingest over TLS")
	fs.StringVar(&cfg.ReceiverTLSCert, "receiver-tls-cert", cfg.ReceiverTLSCert, "HTTP ingest certificate file")
	fs.StringVar(&cfg.ReceiverTLSKey, "receiver-tls-key", cfg.ReceiverTLSKey, "HTTP ingest private key file")
	fs.StringVar(&cfg.ReceiverTLSCA, "receiver-tls-ca", cfg.ReceiverTLSCA, "CA for verifying ingest client certificates (mTLS)")
	fs.BoolVar(&cfg.Stdin, "stdin", cfg.Stdin, "Read line protocol samples from standard input")

	// Operations
	fs.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "Address for /metrics, /live and /ready, empty to disable")
	fs.IntVar(&cfg.ReadyMaxQueue, "ready-max-queue", cfg.ReadyMaxQueue, "Report not ready above this many queued samples, 0 for no limit")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Grace period for draining on shutdown")
	fs.Float64Var(&cfg.MemoryLimitRatio, "memlimit-ratio", cfg.MemoryLimitRatio, "GOMEMLIMIT as a fraction of the cgroup limit, 0 to disable")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")

	fs.StringVar(&cfg.TelemetryEndpoint, "telemetry-endpoint", cfg.TelemetryEndpoint, "OTLP endpoint for self telemetry, empty to disable")
	fs.StringVar(&cfg.TelemetryProtocol, "telemetry-protocol", cfg.TelemetryProtocol, "OTLP protocol: grpc or http")
	fs.BoolVar(&cfg.TelemetryInsecure, "telemetry-insecure", cfg.TelemetryInsecure, "Use plaintext for OTLP export")
	fs.DurationVar(&cfg.TelemetryPushInterval, "telemetry-push-interval", cfg.TelemetryPushInterval, "OTLP metric push interval")

	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help")
	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version")
	return fs
}

// PrintUsage writes the flag reference to stderr.
func PrintUsage() {
	WriteUsage(os.Stderr)
}

// WriteUsage writes the help text to w.
func WriteUsage(w io.Writer) {
	fmt.Fprintf(w, `metrics-forwarder - local relay for counters and timings

USAGE:
    metrics-forwarder [OPTIONS]

DESCRIPTION:
    Accepts samples over UDP, HTTP or stdin and forwards them in batches to
    an aggregator over a TCP line socket or HTTP(S) JSON posts. Samples are
    never dropped on delivery failure; the batching window grows instead.

OPTIONS:
`)
	fs := newFlagSet(DefaultConfig())
	fs.SetOutput(w)
	fs.PrintDefaults()
}

// PrintVersion prints the version.
func PrintVersion() {
	fmt.Printf("metrics-forwarder version %s\n", version)
}
