// Package security bootstraps the client certificate/key pair used to
// negotiate secure OPC UA sessions.
//
// Ported from original_source's cert_utils.py: no library in the retrieved
// example pack builds X.509 certificates (golang.org/x/crypto supplies
// primitives like bcrypt/ssh/ocsp, not a certificate builder), so this is
// built directly on the standard library's crypto/x509 and crypto/rsa —
// see DESIGN.md for that justification.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

const (
	certFileName = "client_cert.der"
	keyFileName  = "client_private_key.pem"
	rsaKeyBits   = 2048
	certValidity = 365 * 24 * time.Hour
)

// ClientCertificate is the path pair ensured by EnsureClientCertificate.
type ClientCertificate struct {
	CertFile string
	KeyFile  string
}

// EnsureClientCertificate returns the client cert/key pair in certDir,
// generating a self-signed 2048-bit RSA certificate if absent. hostname is
// included as an additional SAN alongside "localhost" and "127.0.0.1",
// matching cert_utils.py's generate_self_signed_certificate.
func EnsureClientCertificate(certDir, hostname string) (ClientCertificate, error) {
	if err := os.MkdirAll(certDir, 0o755); err != nil {
		return ClientCertificate{}, fmt.Errorf("create cert dir: %w", err)
	}

	certPath := filepath.Join(certDir, certFileName)
	keyPath := filepath.Join(certDir, keyFileName)

	if fileExists(certPath) && fileExists(keyPath) {
		return ClientCertificate{CertFile: certPath, KeyFile: keyPath}, nil
	}

	if err := generateSelfSignedCertificate(certPath, keyPath, hostname); err != nil {
		return ClientCertificate{}, err
	}

	return ClientCertificate{CertFile: certPath, KeyFile: keyPath}, nil
}

func generateSelfSignedCertificate(certPath, keyPath, hostname string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate serial number: %w", err)
	}

	subject := pkix.Name{
		Country:            []string{"US"},
		Province:           []string{"California"},
		Locality:           []string{"San Francisco"},
		Organization:        []string{"GlobalCorp"},
		CommonName:         hostname,
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		DNSNames:              []string{hostname, "localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("0.0.0.0")},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return fmt.Errorf("create certificate: %w", err)
	}

	if err := os.WriteFile(certPath, der, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
