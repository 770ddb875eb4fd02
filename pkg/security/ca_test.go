package security

import (
	"crypto/x509"
	"net"
	"os"
	"testing"
	"time"

	"github.com/riverd/river/pkg/store"
)

func openTestStore(t *testing.T) *store.BoltStore {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "river-ca-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := store.NewBoltStore(tmpDir)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitializeCA(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	if !ca.IsInitialized() {
		t.Error("CA should be initialized")
	}
	if ca.rootCert == nil {
		t.Error("root certificate should not be nil")
	}
	if ca.rootKey == nil {
		t.Error("root key should not be nil")
	}
	if !ca.rootCert.IsCA {
		t.Error("root certificate should be a CA")
	}

	expectedExpiry := time.Now().Add(rootCAValidity)
	if ca.rootCert.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
		t.Errorf("root cert expiry too early: %v, expected around %v", ca.rootCert.NotAfter, expectedExpiry)
	}
}

func TestSaveLoadCA(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	s := openTestStore(t)

	ca1 := NewCertAuthority(s)
	if err := ca1.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}
	if err := ca1.SaveToStore(); err != nil {
		t.Fatalf("failed to save CA: %v", err)
	}

	ca2 := NewCertAuthority(s)
	if err := ca2.LoadFromStore(); err != nil {
		t.Fatalf("failed to load CA: %v", err)
	}

	if !ca2.IsInitialized() {
		t.Error("loaded CA should be initialized")
	}
	if !ca1.rootCert.Equal(ca2.rootCert) {
		t.Error("loaded root cert should match original")
	}
	if ca1.rootKey.N.Cmp(ca2.rootKey.N) != 0 {
		t.Error("loaded root key should match original")
	}
}

func TestIssueNodeCertificate(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	tests := []struct {
		name string
		id   string
		role string
	}{
		{"host certificate", "host-1", "host"},
		{"runner certificate", "runner-1", "runner"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cert, err := ca.IssueNodeCertificate(tt.id, tt.role, []string{}, []net.IP{})
			if err != nil {
				t.Fatalf("failed to issue certificate: %v", err)
			}
			if cert.Leaf == nil {
				t.Fatal("certificate Leaf should not be nil")
			}

			expectedCN := tt.role + "-" + tt.id
			if cert.Leaf.Subject.CommonName != expectedCN {
				t.Errorf("expected CN %s, got %s", expectedCN, cert.Leaf.Subject.CommonName)
			}

			expectedExpiry := time.Now().Add(nodeCertValidity)
			if cert.Leaf.NotAfter.Before(expectedExpiry.Add(-time.Hour)) {
				t.Errorf("cert expiry too early: %v, expected around %v", cert.Leaf.NotAfter, expectedExpiry)
			}

			if cert.Leaf.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
				t.Error("certificate should have DigitalSignature key usage")
			}

			var hasClientAuth, hasServerAuth bool
			for _, usage := range cert.Leaf.ExtKeyUsage {
				if usage == x509.ExtKeyUsageClientAuth {
					hasClientAuth = true
				}
				if usage == x509.ExtKeyUsageServerAuth {
					hasServerAuth = true
				}
			}
			if !hasClientAuth || !hasServerAuth {
				t.Error("certificate should have both ClientAuth and ServerAuth, since any node can dial or be dialed")
			}
		})
	}
}

func TestVerifyCertificate(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	cert, err := ca.IssueNodeCertificate("runner-1", "runner", []string{}, []net.IP{})
	if err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}

	if err := ca.VerifyCertificate(cert.Leaf); err != nil {
		t.Errorf("certificate verification failed: %v", err)
	}
}

func TestRootCACertAndPool(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	rootCertDER := ca.RootCACert()
	if rootCertDER == nil {
		t.Fatal("root CA cert should not be nil")
	}

	parsedCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		t.Fatalf("failed to parse root CA cert: %v", err)
	}
	if !parsedCert.Equal(ca.rootCert) {
		t.Error("returned root CA cert should match internal cert")
	}

	pool := ca.RootCertPool()
	if pool == nil || len(pool.Subjects()) != 1 { //nolint:staticcheck // Subjects() deprecated but fine for a test assertion
		t.Error("cert pool should contain exactly the root CA")
	}
}

func TestCertCache(t *testing.T) {
	key := DeriveKeyFromClusterID("test-cluster")
	if err := SetClusterEncryptionKey(key); err != nil {
		t.Fatalf("failed to set cluster encryption key: %v", err)
	}

	ca := NewCertAuthority(openTestStore(t))
	if err := ca.Initialize(); err != nil {
		t.Fatalf("failed to initialize CA: %v", err)
	}

	id := "runner-1"
	if _, err := ca.IssueNodeCertificate(id, "runner", []string{}, []net.IP{}); err != nil {
		t.Fatalf("failed to issue certificate: %v", err)
	}

	cached, exists := ca.GetCachedCert(id)
	if !exists {
		t.Fatal("certificate should be in cache")
	}
	if cached.Cert.Subject.CommonName != "runner-"+id {
		t.Errorf("cached cert CN mismatch: %s", cached.Cert.Subject.CommonName)
	}
}
