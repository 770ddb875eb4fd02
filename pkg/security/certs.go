package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// certRotationThreshold: rotate when less than 30 days remain.
	certRotationThreshold = 30 * 24 * time.Hour

	defaultCertDir = ".river/certs"
)

// GetCertDir returns the certificate directory for a node (the Host, or
// a Runner Agent identified by hostname).
func GetCertDir(role, id string) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, defaultCertDir, fmt.Sprintf("%s-%s", role, id)), nil
}

// SaveCertToFile saves a TLS certificate to cert/key files under certDir.
func SaveCertToFile(cert *tls.Certificate, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	certPath := filepath.Join(certDir, "node.crt")
	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Certificate[0],
	})
	if err := os.WriteFile(certPath, certPEM, 0600); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}

	keyPath := filepath.Join(certDir, "node.key")
	privateKey, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("private key is not RSA")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadCertFromFile loads a TLS certificate from cert/key files under certDir.
func LoadCertFromFile(certDir string) (*tls.Certificate, error) {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	if cert.Leaf == nil {
		x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		cert.Leaf = x509Cert
	}
	return &cert, nil
}

// SaveCACertToFile saves the CA certificate (public, unencrypted) to a file.
func SaveCACertToFile(caCert []byte, certDir string) error {
	if err := os.MkdirAll(certDir, 0700); err != nil {
		return fmt.Errorf("failed to create cert directory: %w", err)
	}

	caPath := filepath.Join(certDir, "ca.crt")
	caPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caCert,
	})
	if err := os.WriteFile(caPath, caPEM, 0644); err != nil {
		return fmt.Errorf("failed to write CA certificate: %w", err)
	}
	return nil
}

// LoadCACertFromFile loads the CA certificate from a file.
func LoadCACertFromFile(certDir string) (*x509.Certificate, error) {
	caPath := filepath.Join(certDir, "ca.crt")
	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	block, _ := pem.Decode(caPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return caCert, nil
}

// CertExists checks if a complete cert/key/ca set exists in certDir.
func CertExists(certDir string) bool {
	certPath := filepath.Join(certDir, "node.crt")
	keyPath := filepath.Join(certDir, "node.key")
	caPath := filepath.Join(certDir, "ca.crt")

	_, err1 := os.Stat(certPath)
	_, err2 := os.Stat(keyPath)
	_, err3 := os.Stat(caPath)
	return err1 == nil && err2 == nil && err3 == nil
}

// CertNeedsRotation returns true if fewer than 30 days remain until expiry.
func CertNeedsRotation(cert *x509.Certificate) bool {
	if cert == nil {
		return true
	}
	return time.Until(cert.NotAfter) < certRotationThreshold
}

// RemoveCerts removes all certificate material from a directory.
func RemoveCerts(certDir string) error {
	return os.RemoveAll(certDir)
}

// BuildServerTLSConfig builds the tls.Config for the Host's or a Runner
// Agent's own HTTP listener: serve nodeCert, and (since every peer in
// river's cluster is either the Host or a Runner Agent, both CA-issued)
// require and verify the client's certificate against the same root.
func BuildServerTLSConfig(nodeCert *tls.Certificate, ca *CertAuthority) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*nodeCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    ca.RootCertPool(),
		MinVersion:   tls.VersionTLS12,
	}
}

// BuildClientTLSConfig builds the tls.Config used by an
// *http.Client dialing the Host or a Runner Agent: present nodeCert for
// mutual auth, and trust only the cluster's own root CA.
func BuildClientTLSConfig(nodeCert *tls.Certificate, ca *CertAuthority) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*nodeCert},
		RootCAs:      ca.RootCertPool(),
		MinVersion:   tls.VersionTLS12,
	}
}
