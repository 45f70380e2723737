package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		input    string
		expected Type
		wantErr  bool
	}{
		{"", TypeNone, false},
		{"none", TypeNone, false},
		{"gzip", TypeGzip, false},
		{"GZIP", TypeGzip, false},
		{" zstd ", TypeZstd, false},
		{"snappy", TypeNone, true},
		{"unknown", TypeNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseType(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseType(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("ParseType(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestContentEncoding(t *testing.T) {
	if TypeNone.ContentEncoding() != "" {
		t.Error("none should have no Content-Encoding")
	}
	if TypeGzip.ContentEncoding() != "gzip" || TypeZstd.ContentEncoding() != "zstd" {
		t.Error("unexpected Content-Encoding values")
	}
}

func TestParseContentEncoding(t *testing.T) {
	tests := []struct {
		in     string
		want   Type
		wantOK bool
	}{
		{"", TypeNone, true},
		{"identity", TypeNone, true},
		{"gzip", TypeGzip, true},
		{"x-gzip", TypeGzip, true},
		{"ZSTD", TypeZstd, true},
		{"br", TypeNone, false},
	}
	for _, tt := range tests {
		got, ok := ParseContentEncoding(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseContentEncoding(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	payload := []byte(strings.Repeat(`{"name":"api.requests","value":1,"type":"c"},`, 200))

	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd} {
		t.Run(string(typ), func(t *testing.T) {
			compressed, err := Compress(payload, typ)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			if typ != TypeNone && len(compressed) >= len(payload) {
				t.Errorf("expected compression to shrink repetitive input: %d >= %d", len(compressed), len(payload))
			}
			decompressed, err := Decompress(compressed, typ, 0)
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(decompressed, payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestCompress_ReusesPooledWriters(t *testing.T) {
	for i := 0; i < 5; i++ {
		data := []byte(strings.Repeat("x", i*100))
		for _, typ := range []Type{TypeGzip, TypeZstd} {
			c, err := Compress(data, typ)
			if err != nil {
				t.Fatalf("%s: %v", typ, err)
			}
			d, err := Decompress(c, typ, 0)
			if err != nil || !bytes.Equal(d, data) {
				t.Fatalf("%s iteration %d: mismatch (err=%v)", typ, i, err)
			}
		}
	}
}

func TestDecompress_Limit(t *testing.T) {
	payload := bytes.Repeat([]byte("a"), 4096)
	for _, typ := range []Type{TypeNone, TypeGzip, TypeZstd} {
		c, err := Compress(payload, typ)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := Decompress(c, typ, 1024); err == nil {
			t.Errorf("%s: expected limit error", typ)
		}
		if _, err := Decompress(c, typ, 4096); err != nil {
			t.Errorf("%s: exact limit should pass: %v", typ, err)
		}
	}
}

func TestDecompress_InvalidInput(t *testing.T) {
	for _, typ := range []Type{TypeGzip, TypeZstd} {
		if _, err := Decompress([]byte("definitely not compressed"), typ, 0); err == nil {
			t.Errorf("%s: expected error for garbage input", typ)
		}
	}
}

func TestUnsupportedType(t *testing.T) {
	if _, err := Compress([]byte("x"), Type("lz4")); err == nil {
		t.Error("expected error compressing with unsupported type")
	}
	if _, err := Decompress([]byte("x"), Type("lz4"), 0); err == nil {
		t.Error("expected error decompressing with unsupported type")
	}
}
