package security

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureClientCertificateGeneratesValidSelfSignedCert(t *testing.T) {
	dir := t.TempDir()

	cert, err := EnsureClientCertificate(dir, "press-1")
	if err != nil {
		t.Fatalf("EnsureClientCertificate: %v", err)
	}

	der, err := os.ReadFile(cert.CertFile)
	if err != nil {
		t.Fatalf("read cert file: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse generated certificate: %v", err)
	}
	if parsed.Subject.CommonName != "press-1" {
		t.Errorf("expected CommonName press-1, got %q", parsed.Subject.CommonName)
	}

	foundLocalhost := false
	for _, name := range parsed.DNSNames {
		if name == "localhost" {
			foundLocalhost = true
		}
	}
	if !foundLocalhost {
		t.Errorf("expected localhost in DNSNames, got %v", parsed.DNSNames)
	}

	if _, err := os.Stat(cert.KeyFile); err != nil {
		t.Errorf("expected key file to exist: %v", err)
	}
}

func TestEnsureClientCertificateIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	first, err := EnsureClientCertificate(dir, "press-1")
	if err != nil {
		t.Fatalf("first EnsureClientCertificate: %v", err)
	}
	firstBytes, err := os.ReadFile(first.CertFile)
	if err != nil {
		t.Fatalf("read first cert: %v", err)
	}

	second, err := EnsureClientCertificate(dir, "press-1")
	if err != nil {
		t.Fatalf("second EnsureClientCertificate: %v", err)
	}
	secondBytes, err := os.ReadFile(second.CertFile)
	if err != nil {
		t.Fatalf("read second cert: %v", err)
	}

	if string(firstBytes) != string(secondBytes) {
		t.Error("expected a pre-existing cert/key pair to be reused, not regenerated")
	}
}

func TestEnsureClientCertificateCreatesCertDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "certs")
	if _, err := EnsureClientCertificate(dir, "press-1"); err != nil {
		t.Fatalf("EnsureClientCertificate: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("expected cert dir to be created: %v", err)
	}
}
