package trust

import (
	"crypto/x509/pkix"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// VerifiedIdentity is the result of a successful producer identity
// verification, carrying the certificate metadata needed for audit records.
type VerifiedIdentity struct {
	ProducerID   string
	SerialNumber string
	Subject      string
	Issuer       string
	ValidFrom    time.Time
	ValidUntil   time.Time
	KeyAlgorithm string
}

// IdentityVerifier verifies producer identities carried on an EventEnvelope
// against the pinned trust store, enforcing chain and key usage, certificate
// validity period, subject match, revocation status, and signature, in that
// order.
// Fail-closed: every step that cannot be conclusively satisfied rejects.
type IdentityVerifier struct {
	store      *Store
	revocation *RevocationChecker
	log        *logrus.Entry
}

// NewIdentityVerifier constructs an IdentityVerifier.
func NewIdentityVerifier(store *Store, revocation *RevocationChecker, log *logrus.Entry) *IdentityVerifier {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &IdentityVerifier{store: store, revocation: revocation, log: log}
}

// Verify runs the full identity-verification pipeline for envelope and
// returns the verified identity on success.
func (v *IdentityVerifier) Verify(envelope *model.EventEnvelope, now time.Time) (*VerifiedIdentity, error) {
	producerID := envelope.ProducerID
	v.log.WithField("producer_id", producerID).Debug("verifying producer identity")

	cert, err := v.store.GetProducerCertificate(producerID)
	if err != nil {
		return nil, err
	}

	if err := v.store.ValidateChain(cert); err != nil {
		return nil, err
	}

	if now.Before(cert.NotBefore) {
		return nil, coreerr.IntegrityMsg("trust.Verify", fmt.Sprintf("certificate not valid until %s", cert.NotBefore))
	}
	if now.After(cert.NotAfter) {
		return nil, coreerr.IntegrityMsg("trust.Verify", fmt.Sprintf("certificate expired on %s", cert.NotAfter))
	}

	if !subjectMatchesProducer(cert.Subject, producerID) {
		return nil, coreerr.IntegrityMsg("trust.Verify", fmt.Sprintf("certificate subject %q does not match producer_id %q", cert.Subject.String(), producerID))
	}

	revoked, err := v.revocation.IsRevoked(producerID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, coreerr.IntegrityMsg("trust.Verify", fmt.Sprintf("producer %q certificate is revoked", producerID))
	}

	pub, err := RSAPublicKeyFromCert(cert)
	if err != nil {
		return nil, err
	}
	message := CanonicalEnvelopeBytes(envelope)
	if err := VerifyRSAPSS(pub, message, envelope.Signature); err != nil {
		return nil, err
	}

	return &VerifiedIdentity{
		ProducerID:   producerID,
		SerialNumber: fmt.Sprintf("%x", cert.SerialNumber.Bytes()),
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		ValidFrom:    cert.NotBefore,
		ValidUntil:   cert.NotAfter,
		KeyAlgorithm: "RSA",
	}, nil
}

func subjectMatchesProducer(subject pkix.Name, producerID string) bool {
	if subject.CommonName == producerID {
		return true
	}
	for _, ou := range subject.OrganizationalUnit {
		if ou == producerID {
			return true
		}
	}
	return false
}
