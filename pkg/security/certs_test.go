package security

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoadCertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	tmpCertDir := t.TempDir()

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("runner-1", "runner", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}

	if err := SaveCertToFile(cert, tmpCertDir); err != nil {
		t.Fatalf("failed to save certificate: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpCertDir, "node.crt")); os.IsNotExist(err) {
		t.Error("certificate file should exist")
	}
	if _, err := os.Stat(filepath.Join(tmpCertDir, "node.key")); os.IsNotExist(err) {
		t.Error("key file should exist")
	}

	loadedCert, err := LoadCertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("failed to load certificate: %v", err)
	}
	if loadedCert.Leaf.Subject.CommonName != cert.Leaf.Subject.CommonName {
		t.Errorf("loaded cert CN mismatch: expected %s, got %s",
			cert.Leaf.Subject.CommonName, loadedCert.Leaf.Subject.CommonName)
	}
}

func TestSaveLoadCACertToFile(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	tmpCertDir := t.TempDir()

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	caCertDER := ca.RootCACert()
	if err := SaveCACertToFile(caCertDER, tmpCertDir); err != nil {
		t.Fatalf("failed to save CA certificate: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpCertDir, "ca.crt")); os.IsNotExist(err) {
		t.Error("CA certificate file should exist")
	}

	loadedCACert, err := LoadCACertFromFile(tmpCertDir)
	if err != nil {
		t.Fatalf("failed to load CA certificate: %v", err)
	}
	if !loadedCACert.Equal(ca.rootCert) {
		t.Error("loaded CA cert should match original")
	}
}

func TestCertExists(t *testing.T) {
	tmpDir := t.TempDir()

	if CertExists(tmpDir) {
		t.Error("certificate should not exist initially")
	}

	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "ca.crt"), []byte("ca"), 0600)

	if !CertExists(tmpDir) {
		t.Error("certificate should exist after creating files")
	}

	os.Remove(filepath.Join(tmpDir, "node.key"))
	if CertExists(tmpDir) {
		t.Error("certificate should not exist with missing key file")
	}
}

func TestCertNeedsRotation(t *testing.T) {
	tests := []struct {
		name     string
		notAfter time.Time
		needsRot bool
	}{
		{"expiring in 1 day", time.Now().Add(24 * time.Hour), true},
		{"expiring in 29 days", time.Now().Add(29 * 24 * time.Hour), true},
		{"expiring in 31 days", time.Now().Add(31 * 24 * time.Hour), false},
		{"expiring in 60 days", time.Now().Add(60 * 24 * time.Hour), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert := &x509.Certificate{NotAfter: tt.notAfter}
			if got := CertNeedsRotation(cert); got != tt.needsRot {
				t.Errorf("expected needsRotation=%v, got %v", tt.needsRot, got)
			}
		})
	}

	if !CertNeedsRotation(nil) {
		t.Error("nil certificate should need rotation")
	}
}

func TestGetCertDir(t *testing.T) {
	tests := []struct {
		role string
		id   string
	}{
		{"host", "node1"},
		{"runner", "node2"},
	}

	for _, tt := range tests {
		t.Run(tt.role+"-"+tt.id, func(t *testing.T) {
			certDir, err := GetCertDir(tt.role, tt.id)
			if err != nil {
				t.Fatalf("failed to get cert dir: %v", err)
			}
			expected := tt.role + "-" + tt.id
			if filepath.Base(certDir) != expected {
				t.Errorf("expected cert dir to end with %s, got %s", expected, certDir)
			}
		})
	}
}

func TestRemoveCerts(t *testing.T) {
	tmpDir := t.TempDir()
	_ = os.WriteFile(filepath.Join(tmpDir, "node.crt"), []byte("cert"), 0600)
	_ = os.WriteFile(filepath.Join(tmpDir, "node.key"), []byte("key"), 0600)

	if err := RemoveCerts(tmpDir); err != nil {
		t.Fatalf("failed to remove certificates: %v", err)
	}
	if _, err := os.Stat(tmpDir); !os.IsNotExist(err) {
		t.Error("certificate directory should not exist after removal")
	}
}

func TestBuildServerAndClientTLSConfig(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("runner-1", "runner", []string{"runner-1.local"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}

	serverCfg := BuildServerTLSConfig(cert, ca)
	if serverCfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Error("server TLS config should require and verify client certs")
	}
	if len(serverCfg.Certificates) != 1 {
		t.Error("server TLS config should present exactly one certificate")
	}

	clientCfg := BuildClientTLSConfig(cert, ca)
	if len(clientCfg.Certificates) != 1 {
		t.Error("client TLS config should present exactly one certificate")
	}
	if clientCfg.RootCAs == nil {
		t.Error("client TLS config should trust the cluster root CA")
	}
}
