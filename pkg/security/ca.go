package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/riverd/river/pkg/store"
)

// CertAuthority is the cluster's certificate authority: one self-signed
// root, issuing short-lived leaf certificates for the Host and every
// Runner Agent so pkg/transport can speak mTLS instead of bare HTTP.
type CertAuthority struct {
	rootCert  *x509.Certificate
	rootKey   *rsa.PrivateKey
	store     store.Store
	certCache map[string]*CachedCert
	mu        sync.RWMutex
}

// CachedCert is a previously-issued certificate kept in memory and
// returned by GetCachedCert. IssueNodeCertificate does not consult it:
// every issue call generates a new RSA key.
type CachedCert struct {
	Cert      *x509.Certificate
	Key       *rsa.PrivateKey
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// CAData is the serialized root CA, as persisted via store.Store.SaveCA.
type CAData struct {
	RootCertDER []byte
	RootKeyDER  []byte
}

const (
	// Root CA validity: 10 years.
	rootCAValidity = 10 * 365 * 24 * time.Hour
	// Leaf certificate validity: 90 days (Host and Runner Agent certs alike).
	nodeCertValidity = 90 * 24 * time.Hour
	// Root key size: 4096 bits, long-lived so worth the extra cost.
	rootKeySize = 4096
	// Leaf key size: 2048 bits, issued often enough that speed matters.
	nodeKeySize = 2048
)

// NewCertAuthority creates a CA backed by store for CA persistence.
func NewCertAuthority(s store.Store) *CertAuthority {
	return &CertAuthority{
		store:     s,
		certCache: make(map[string]*CachedCert),
	}
}

// NewVerifierCA builds a CertAuthority that only knows the cluster's
// root certificate: no store, no private key. A Runner Agent never
// issues certificates and has no durable store of its own to keep a CA
// in, but still needs RootCertPool() and VerifyCertificate() to build
// its own TLS config and check the Host's certificate. rootCertDER is
// the DER-encoded root cert distributed to the runner out of band (see
// "river-host cert issue").
func NewVerifierCA(rootCertDER []byte) (*CertAuthority, error) {
	rootCert, err := x509.ParseCertificate(rootCertDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse root certificate: %w", err)
	}
	return &CertAuthority{
		rootCert:  rootCert,
		certCache: make(map[string]*CachedCert),
	}, nil
}

// Initialize generates a new root CA certificate in memory. Call
// SaveToStore afterwards to persist it.
func (ca *CertAuthority) Initialize() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	rootKey, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"River Cluster"},
			CommonName:   "River Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(rootCAValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLen:            1,
		MaxPathLenZero:        false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create root certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// LoadFromStore loads a previously-saved CA from store.
func (ca *CertAuthority) LoadFromStore() error {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	data, err := ca.store.GetCA()
	if err != nil {
		return fmt.Errorf("failed to get CA from store: %w", err)
	}

	var caData CAData
	if err := json.Unmarshal(data, &caData); err != nil {
		return fmt.Errorf("failed to unmarshal CA data: %w", err)
	}

	decryptedKey, err := Decrypt(caData.RootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to decrypt root key: %w", err)
	}

	rootCert, err := x509.ParseCertificate(caData.RootCertDER)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	rootKey, err := x509.ParsePKCS1PrivateKey(decryptedKey)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	ca.rootCert = rootCert
	ca.rootKey = rootKey
	return nil
}

// SaveToStore persists the CA, encrypting the root private key with the
// cluster encryption key before it ever reaches store.
func (ca *CertAuthority) SaveToStore() error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return fmt.Errorf("CA not initialized")
	}

	rootKeyDER := x509.MarshalPKCS1PrivateKey(ca.rootKey)
	encryptedKey, err := Encrypt(rootKeyDER)
	if err != nil {
		return fmt.Errorf("failed to encrypt root key: %w", err)
	}

	caData := CAData{
		RootCertDER: ca.rootCert.Raw,
		RootKeyDER:  encryptedKey,
	}

	data, err := json.Marshal(caData)
	if err != nil {
		return fmt.Errorf("failed to marshal CA data: %w", err)
	}

	if err := ca.store.SaveCA(data); err != nil {
		return fmt.Errorf("failed to save CA to store: %w", err)
	}
	return nil
}

// IssueNodeCertificate issues a certificate for a Host or Runner Agent.
// role is "host" or "runner"; id is the hostname.
func (ca *CertAuthority) IssueNodeCertificate(id, role string, dnsNames []string, ipAddresses []net.IP) (*tls.Certificate, error) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil || ca.rootKey == nil {
		return nil, fmt.Errorf("CA not initialized")
	}

	nodeKey, err := rsa.GenerateKey(rand.Reader, nodeKeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate node key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"River Cluster"},
			CommonName:   fmt.Sprintf("%s-%s", role, id),
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().Add(nodeCertValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &nodeKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create node certificate: %w", err)
	}

	nodeCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse node certificate: %w", err)
	}

	tlsCert := &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  nodeKey,
		Leaf:        nodeCert,
	}

	ca.cacheCertificate(id, nodeCert, nodeKey)
	return tlsCert, nil
}

// VerifyCertificate verifies cert was issued by this CA.
func (ca *CertAuthority) VerifyCertificate(cert *x509.Certificate) error {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return fmt.Errorf("CA not initialized")
	}

	roots := x509.NewCertPool()
	roots.AddCert(ca.rootCert)

	opts := x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("certificate verification failed: %w", err)
	}
	return nil
}

// RootCACert returns the root CA certificate in DER format.
func (ca *CertAuthority) RootCACert() []byte {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	if ca.rootCert == nil {
		return nil
	}
	return ca.rootCert.Raw
}

// RootCertPool returns an x509.CertPool containing just the root CA,
// suitable for tls.Config.RootCAs or tls.Config.ClientCAs.
func (ca *CertAuthority) RootCertPool() *x509.CertPool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	pool := x509.NewCertPool()
	if ca.rootCert != nil {
		pool.AddCert(ca.rootCert)
	}
	return pool
}

// IsInitialized returns true if the CA has a root cert and key loaded.
func (ca *CertAuthority) IsInitialized() bool {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return ca.rootCert != nil && ca.rootKey != nil
}

func (ca *CertAuthority) cacheCertificate(id string, cert *x509.Certificate, key *rsa.PrivateKey) {
	ca.certCache[id] = &CachedCert{
		Cert:      cert,
		Key:       key,
		IssuedAt:  cert.NotBefore,
		ExpiresAt: cert.NotAfter,
	}
}

// GetCachedCert retrieves a previously-issued certificate by identity.
func (ca *CertAuthority) GetCachedCert(id string) (*CachedCert, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()

	cert, exists := ca.certCache[id]
	return cert, exists
}
