package receiver

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/szibis/metrics-forwarder/internal/auth"
	"github.com/szibis/metrics-forwarder/internal/compression"
	"github.com/szibis/metrics-forwarder/internal/intern"
	"github.com/szibis/metrics-forwarder/internal/logging"
	"github.com/szibis/metrics-forwarder/internal/sample"
	tlspkg "github.com/szibis/metrics-forwarder/internal/tls"
)

const (
	// DefaultPath is where producers POST samples.
	DefaultPath = "/v1/samples"
	// DefaultMaxRequestBodySize bounds both the raw and decompressed body.
	DefaultMaxRequestBodySize = 8 << 20

	acceptedHeader = "X-Samples-Accepted"
)

// HTTPConfig configures the HTTP receiver.
type HTTPConfig struct {
	Addr string
	Path string
	TLS  tlspkg.ServerConfig
	// APIKey, when set, must be presented in KeyHeader by every request.
	APIKey             string
	KeyHeader          string
	MaxRequestBodySize int64
	ReadHeaderTimeout  time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

// HTTPReceiver accepts POSTed sample batches. Bodies are either a JSON
// array of {"name","value","type"} objects or newline-separated lines
// when sent as text/plain.
type HTTPReceiver struct {
	server    *http.Server
	sink      Sink
	addr      string
	tlsConfig *tls.Config
	apiKey    []byte
	keyHeader string
	maxBody   int64
	listener  net.Listener
}

// NewHTTP builds the receiver without binding.
func NewHTTP(cfg HTTPConfig, sink Sink) (*HTTPReceiver, error) {
	r := &HTTPReceiver{
		sink:      sink,
		addr:      cfg.Addr,
		keyHeader: cfg.KeyHeader,
		maxBody:   cfg.MaxRequestBodySize,
	}
	if r.keyHeader == "" {
		r.keyHeader = auth.DefaultKeyHeader
	}
	if cfg.APIKey != "" {
		r.apiKey = []byte(cfg.APIKey)
	}
	if r.maxBody <= 0 {
		r.maxBody = DefaultMaxRequestBodySize
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("http receiver tls: %w", err)
		}
		r.tlsConfig = tlsConfig
	}

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, r.handleSamples)

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 10 * time.Second
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		TLSConfig:         r.tlsConfig,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return r, nil
}

// Handler exposes the routing for embedding and tests.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}

// Listen binds the configured address. Start calls it when needed.
func (r *HTTPReceiver) Listen() error {
	if r.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen http %q: %w", r.addr, err)
	}
	r.listener = l
	return nil
}

// Addr returns the bound address, or the configured one before Listen.
func (r *HTTPReceiver) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

// Start serves until Stop. It returns nil after a graceful shutdown.
func (r *HTTPReceiver) Start() error {
	if err := r.Listen(); err != nil {
		return err
	}
	logging.Info("HTTP receiver started", logging.F(
		"addr", r.Addr(),
		"tls", r.tlsConfig != nil,
		"auth", r.apiKey != nil,
	))
	var err error
	if r.tlsConfig != nil {
		err = r.server.ServeTLS(r.listener, "", "")
	} else {
		err = r.server.Serve(r.listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the server.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the receiver port accepts connections.
func (r *HTTPReceiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.Addr(), time.Second)
	if err != nil {
		return fmt.Errorf("http receiver not reachable on %s: %w", r.Addr(), err)
	}
	conn.Close()
	return nil
}

func (r *HTTPReceiver) handleSamples(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues(protocolHTTP).Inc()

	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.apiKey != nil {
		got := req.Header.Get(r.keyHeader)
		if subtle.ConstantTimeCompare([]byte(got), r.apiKey) != 1 {
			incErrors(protocolHTTP, "auth", 1)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	lines := false
	if ct := req.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		switch {
		case err != nil:
			http.Error(w, "Malformed content type", http.StatusUnsupportedMediaType)
			return
		case mt == "application/json":
		case mt == "text/plain":
			lines = true
		default:
			http.Error(w, "Unsupported content type, expected application/json or text/plain", http.StatusUnsupportedMediaType)
			return
		}
	}

	enc, ok := compression.ParseContentEncoding(req.Header.Get("Content-Encoding"))
	if !ok {
		incErrors(protocolHTTP, "decompress", 1)
		http.Error(w, "Unsupported content encoding", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, r.maxBody+1))
	req.Body.Close()
	if err != nil {
		incErrors(protocolHTTP, "read", 1)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > r.maxBody {
		incErrors(protocolHTTP, "read", 1)
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	if enc != compression.TypeNone {
		body, err = compression.Decompress(body, enc, r.maxBody)
		if err != nil {
			incErrors(protocolHTTP, "decompress", 1)
			logging.Warn("failed to decompress request body", logging.F(
				"encoding", string(enc),
				"error", err.Error(),
			))
			http.Error(w, "Failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	var accepted, rejected int
	if lines {
		accepted, rejected = parseLines(body, r.sink)
	} else {
		accepted, rejected, err = r.ingestJSON(body)
		if err != nil {
			incErrors(protocolHTTP, "decode", 1)
			http.Error(w, "Failed to decode samples", http.StatusBadRequest)
			return
		}
	}

	receiverSamplesTotal.WithLabelValues(protocolHTTP).Add(float64(accepted))
	incErrors(protocolHTTP, "malformed", rejected)

	w.Header().Set(acceptedHeader, strconv.Itoa(accepted))
	if rejected > 0 && accepted == 0 {
		http.Error(w, "No valid samples", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingestJSON decodes the whole batch before handing anything to the sink,
// so a syntax error never delivers a partial batch.
func (r *HTTPReceiver) ingestJSON(body []byte) (accepted, rejected int, err error) {
	batch, err := sample.DecodeJSON(body)
	if err != nil {
		return 0, 0, err
	}
	for _, s := range batch {
		if !valid(s) {
			rejected++
			continue
		}
		s.Name = intern.SampleNames.Intern(s.Name)
		r.sink.Send(s)
		accepted++
	}
	return accepted, rejected, nil
}
