package trust

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"

	"github.com/ransomeye/coreplane/internal/coreerr"
)

// VerifyRSAPSS checks an RSA-PSS-SHA256 signature over message using pub.
// sigB64 is the base64 encoding used on the wire for every envelope and
// directive signature field.
func VerifyRSAPSS(pub *rsa.PublicKey, message []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.VerifyRSAPSS", "decode base64 signature", err)
	}
	hash := sha256.Sum256(message)
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hash[:], sig, nil); err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.VerifyRSAPSS", "signature verification failed", err)
	}
	return nil
}

// VerifyEd25519 checks an Ed25519 signature over message using pub. Used for
// evidence bundles and release-gate decisions.
func VerifyEd25519(pub ed25519.PublicKey, message []byte, sigB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "trust.VerifyEd25519", "decode base64 signature", err)
	}
	if !ed25519.Verify(pub, message, sig) {
		return coreerr.IntegrityMsg("trust.VerifyEd25519", "signature verification failed")
	}
	return nil
}

// LoadRSAPublicKeyFromPEM reads a PEM-encoded PKIX RSA public key from path.
// Shared by every component that trusts a bare public key rather than a
// full certificate chain (the policy engine's signing key, the dispatcher's
// view of that same key, the dispatcher's approval key).
func LoadRSAPublicKeyFromPEM(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.LoadRSAPublicKeyFromPEM", "read public key file", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, coreerr.IntegrityMsg("trust.LoadRSAPublicKeyFromPEM", "no PEM block found in "+path)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.LoadRSAPublicKeyFromPEM", "parse PKIX public key", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, coreerr.IntegrityMsg("trust.LoadRSAPublicKeyFromPEM", path+" is not an RSA public key")
	}
	return rsaPub, nil
}

// RSAPublicKeyFromCert extracts an *rsa.PublicKey from a certificate,
// rejecting any other key algorithm. Only RSA keys are accepted for
// envelope and directive signing, matching the pinned trust model.
func RSAPublicKeyFromCert(cert *x509.Certificate) (*rsa.PublicKey, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, coreerr.IntegrityMsg("trust.RSAPublicKeyFromCert", "certificate public key is not RSA")
	}
	return pub, nil
}

// LoadEd25519PrivateKeyFromPEM reads a PEM-encoded PKCS8 Ed25519 private key
// from path. The evidence store and release gate both require a
// pre-provisioned key here and fail closed if it is absent — neither
// auto-generates a signing key the way the original source does.
func LoadEd25519PrivateKeyFromPEM(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.LoadEd25519PrivateKeyFromPEM", "read signing key file", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, coreerr.IntegrityMsg("trust.LoadEd25519PrivateKeyFromPEM", "no PEM block found in "+path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindIntegrity, "trust.LoadEd25519PrivateKeyFromPEM", "parse PKCS8 private key", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, coreerr.IntegrityMsg("trust.LoadEd25519PrivateKeyFromPEM", path+" is not an Ed25519 private key")
	}
	return priv, nil
}

// SignEd25519 signs message with priv, returning the base64 encoding used on
// the wire for every evidence-bundle and release-gate signature field.
func SignEd25519(priv ed25519.PrivateKey, message []byte) string {
	sig := ed25519.Sign(priv, message)
	return base64.StdEncoding.EncodeToString(sig)
}

// Ed25519PublicKeyFromPrivate derives the public half of priv, for verifying
// signatures the same process just produced (e.g. replaying the evidence
// chain on restart without a separately distributed public key file).
func Ed25519PublicKeyFromPrivate(priv ed25519.PrivateKey) ed25519.PublicKey {
	return priv.Public().(ed25519.PublicKey)
}

// EncodeEd25519PublicKey base64-encodes pub for embedding alongside a
// signature, so a verifier does not need separate key distribution to check
// a signed decision or bundle.
func EncodeEd25519PublicKey(pub ed25519.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub)
}
