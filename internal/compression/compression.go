// Package compression compresses HTTP request bodies sent to the aggregator
// and decompresses bodies received by the relay's HTTP ingest.
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
)

// Type is a body encoding.
type Type string

const (
	// TypeNone sends the body as is.
	TypeNone Type = "none"
	// TypeGzip uses gzip.
	TypeGzip Type = "gzip"
	// TypeZstd uses zstd.
	TypeZstd Type = "zstd"
)

// ParseType parses a compression type string. Empty means none.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	default:
		return TypeNone, fmt.Errorf("unknown compression type: %s", s)
	}
}

// ContentEncoding returns the Content-Encoding header value, empty for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd:
		return string(t)
	default:
		return ""
	}
}

// ParseContentEncoding maps a Content-Encoding header to a Type. Unknown
// encodings map to TypeNone and ok=false.
func ParseContentEncoding(encoding string) (t Type, ok bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return TypeNone, true
	case "gzip", "x-gzip":
		return TypeGzip, true
	case "zstd":
		return TypeZstd, true
	default:
		return TypeNone, false
	}
}

var compressedBytesRatio = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "metrics_forwarder_compression_ratio",
		Help:    "Compressed size divided by uncompressed size for request bodies",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1},
	},
	[]string{"encoding"},
)

func init() {
	prometheus.MustRegister(compressedBytesRatio)
}

var (
	gzipWriters = sync.Pool{New: func() any { return gzip.NewWriter(io.Discard) }}
	zstdWriters = sync.Pool{New: func() any {
		w, _ := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
		return w
	}}
	zstdReaders = sync.Pool{New: func() any {
		r, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		return r
	}}
)

// Compress encodes data with t. TypeNone returns data unchanged.
func Compress(data []byte, t Type) ([]byte, error) {
	var out []byte
	switch t {
	case TypeNone, "":
		return data, nil
	case TypeGzip:
		var buf bytes.Buffer
		w := gzipWriters.Get().(*gzip.Writer)
		w.Reset(&buf)
		if _, err := w.Write(data); err != nil {
			gzipWriters.Put(w)
			return nil, fmt.Errorf("gzip write: %w", err)
		}
		if err := w.Close(); err != nil {
			gzipWriters.Put(w)
			return nil, fmt.Errorf("gzip close: %w", err)
		}
		gzipWriters.Put(w)
		out = buf.Bytes()
	case TypeZstd:
		enc := zstdWriters.Get().(*zstd.Encoder)
		out = enc.EncodeAll(data, make([]byte, 0, len(data)/2+64))
		zstdWriters.Put(enc)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
	if len(data) > 0 {
		compressedBytesRatio.WithLabelValues(string(t)).Observe(float64(len(out)) / float64(len(data)))
	}
	return out, nil
}

// Decompress decodes data encoded with t. At most limit decoded bytes are
// accepted when limit is positive.
func Decompress(data []byte, t Type, limit int64) ([]byte, error) {
	switch t {
	case TypeNone, "":
		if limit > 0 && int64(len(data)) > limit {
			return nil, errTooLarge(limit)
		}
		return data, nil
	case TypeGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer r.Close()
		return readLimited(r, limit)
	case TypeZstd:
		dec := zstdReaders.Get().(*zstd.Decoder)
		defer zstdReaders.Put(dec)
		if err := dec.Reset(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return readLimited(dec, limit)
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errTooLarge(limit)
	}
	return out, nil
}

func errTooLarge(limit int64) error {
	return fmt.Errorf("decompressed body exceeds %d bytes", limit)
}
