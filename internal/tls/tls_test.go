package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDisabledConfigsAreNil(t *testing.T) {
	c, err := NewClientTLSConfig(ClientConfig{})
	if err != nil || c != nil {
		t.Errorf("client: got %v, %v; want nil, nil", c, err)
	}
	s, err := NewServerTLSConfig(ServerConfig{})
	if err != nil || s != nil {
		t.Errorf("server: got %v, %v; want nil, nil", s, err)
	}
}

func TestBuildClientTLSConfig_IgnoresEnabled(t *testing.T) {
	c, err := BuildClientTLSConfig(ClientConfig{ServerName: "agg.example.com", InsecureSkipVerify: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.ServerName != "agg.example.com" || !c.InsecureSkipVerify {
		t.Errorf("unexpected config: server=%q insecure=%v", c.ServerName, c.InsecureSkipVerify)
	}
	if c.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want TLS 1.2", c.MinVersion)
	}
}

func TestClientConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
	}{
		{"cert without key", ClientConfig{Enabled: true, CertFile: "/tmp/cert.pem"}},
		{"missing cert files", ClientConfig{Enabled: true, CertFile: "/nonexistent/c.pem", KeyFile: "/nonexistent/k.pem"}},
		{"missing CA", ClientConfig{Enabled: true, CAFile: "/nonexistent/ca.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewClientTLSConfig(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClientConfig_InvalidCAContents(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewClientTLSConfig(ClientConfig{Enabled: true, CAFile: ca}); err == nil {
		t.Error("expected error for CA file without certificates")
	}
}

func TestClientConfig_CertAndCA(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)

	c, err := NewClientTLSConfig(ClientConfig{
		Enabled:  true,
		CertFile: certFile,
		KeyFile:  keyFile,
		CAFile:   certFile,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.Certificates) != 1 {
		t.Errorf("expected 1 certificate, got %d", len(c.Certificates))
	}
	if c.RootCAs == nil {
		t.Error("expected RootCAs to be set")
	}
}

func TestServerConfig(t *testing.T) {
	certFile, keyFile := writeSelfSigned(t)

	s, err := NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Certificates) != 1 || s.ClientAuth != tls.NoClientCert {
		t.Errorf("unexpected server config: certs=%d auth=%v", len(s.Certificates), s.ClientAuth)
	}

	s, err = NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile, ClientCAFile: certFile})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ClientAuth != tls.RequireAndVerifyClientCert || s.ClientCAs == nil {
		t.Error("expected mutual TLS to be required")
	}

	if _, err := NewServerTLSConfig(ServerConfig{Enabled: true, CertFile: "/nonexistent", KeyFile: "/nonexistent"}); err == nil {
		t.Error("expected error for missing server certificate")
	}
}

// writeSelfSigned writes a self-signed CA certificate and key into a temp dir.
func writeSelfSigned(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "metrics-forwarder-test"},
		DNSNames:              []string{"localhost"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
