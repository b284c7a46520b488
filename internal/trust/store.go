package trust

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"sync"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// Store holds the pinned root CA and every known producer certificate,
// keyed by producer_id. It is the fail-closed anchor for all identity
// verification: a producer absent from the store is never trusted, and a
// certificate that does not chain to the pinned root is never trusted
// regardless of how it was obtained.
type Store struct {
	mu        sync.RWMutex
	rootPool  *x509.CertPool
	rootCerts []*x509.Certificate
	producers map[string]*x509.Certificate
}

// NewStore loads the pinned root CA bundle from rootCAPath. The bundle may
// contain one or more PEM-encoded certificates; all are pinned as trust
// anchors.
func NewStore(rootCAPath string) (*Store, error) {
	raw, err := os.ReadFile(rootCAPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.NewStore", "read root CA bundle", err)
	}

	pool := x509.NewCertPool()
	var roots []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.NewStore", "parse root CA certificate", err)
		}
		pool.AddCert(cert)
		roots = append(roots, cert)
	}
	if len(roots) == 0 {
		return nil, coreerr.IntegrityMsg("trust.NewStore", "root CA bundle contained no certificates")
	}

	return &Store{
		rootPool:  pool,
		rootCerts: roots,
		producers: make(map[string]*x509.Certificate),
	}, nil
}

// RootPool returns the pinned root certificate pool used for chain validation.
func (s *Store) RootPool() *x509.CertPool {
	return s.rootPool
}

// RootCerts returns the pinned root certificates, used by the revocation
// checker to verify CRL signatures.
func (s *Store) RootCerts() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*x509.Certificate, len(s.rootCerts))
	copy(out, s.rootCerts)
	return out
}

// RegisterProducerCertificate loads and pins a producer's certificate from a
// PEM file, keyed by producer_id. Intended for operator-driven provisioning;
// it does not itself validate the chain — callers must call ValidateChain
// before trusting any certificate.
func (s *Store) RegisterProducerCertificate(producerID, certPath string) error {
	raw, err := os.ReadFile(certPath)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.RegisterProducerCertificate", "read producer certificate", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return coreerr.IntegrityMsg("trust.RegisterProducerCertificate", "no PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.RegisterProducerCertificate", "parse producer certificate", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.producers[producerID] = cert
	return nil
}

// GetProducerCertificate returns the pinned certificate for producerID.
func (s *Store) GetProducerCertificate(producerID string) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cert, ok := s.producers[producerID]
	if !ok {
		return nil, coreerr.IntegrityMsg("trust.GetProducerCertificate", fmt.Sprintf("no certificate pinned for producer %q", producerID))
	}
	return cert, nil
}

// ListProducers returns every producer_id currently pinned.
func (s *Store) ListProducers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.producers))
	for id := range s.producers {
		out = append(out, id)
	}
	return out
}

// ValidateChain verifies that cert chains to one of the store's pinned roots
// and carries the digital-signature key usage required for envelope and
// directive signing.
func (s *Store) ValidateChain(cert *x509.Certificate) error {
	opts := x509.VerifyOptions{
		Roots:     s.RootPool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.Verify(opts); err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.ValidateChain", "certificate does not chain to pinned root", err)
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		return coreerr.IntegrityMsg("trust.ValidateChain", "certificate lacks digital signature key usage")
	}
	return nil
}
