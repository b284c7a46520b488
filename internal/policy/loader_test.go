package policy

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/infrastructure/state"
)

func writeTestPublicKey(t *testing.T, dir string, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(dir, "policy_pub.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func signTestPolicy(t *testing.T, key *rsa.PrivateKey, unsignedYAML string) string {
	t.Helper()
	stripped, err := stripSignatureFields([]byte(unsignedYAML))
	require.NoError(t, err)

	hash := sha256.Sum256(stripped)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, hash[:], nil)
	require.NoError(t, err)

	sigB64 := base64.StdEncoding.EncodeToString(sig)
	hashHex := hex.EncodeToString(hash[:])
	return unsignedYAML + "\nsignature: \"" + sigB64 + "\"\nsignature_hash: \"" + hashHex + "\"\n"
}

func TestLoaderAcceptsValidSignedPolicy(t *testing.T) {
	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policiesDir, 0o700))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPath := writeTestPublicKey(t, dir, key)

	unsigned := "id: p1\nversion: \"1.0.0\"\nname: quarantine-on-encryption\ndescription: \"\"\nenabled: true\npriority: 10\nmatch_conditions:\n  - field: stage\n    operator: eq\n    value: EncryptionExecution\ndecision: Quarantine\nallowed_actions:\n  - Quarantine\n  - Isolate\n"
	signed := signTestPolicy(t, key, unsigned)
	require.NoError(t, os.WriteFile(filepath.Join(policiesDir, "p1.yaml"), []byte(signed), 0o600))

	backend, err := state.NewFileBackend(filepath.Join(dir, "state"))
	require.NoError(t, err)

	loader, err := NewLoader(context.Background(), policiesDir, pubPath, backend, nil)
	require.NoError(t, err)

	result, err := loader.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, result.Loaded)

	p, err := loader.GetPolicy("p1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Version)
}

func TestLoaderRejectsUnsignedPolicy(t *testing.T) {
	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policiesDir, 0o700))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPath := writeTestPublicKey(t, dir, key)

	require.NoError(t, os.WriteFile(filepath.Join(policiesDir, "p1.yaml"), []byte("id: p1\nversion: \"1.0.0\"\nenabled: true\n"), 0o600))

	backend, err := state.NewFileBackend(filepath.Join(dir, "state"))
	require.NoError(t, err)
	loader, err := NewLoader(context.Background(), policiesDir, pubPath, backend, nil)
	require.NoError(t, err)

	_, err = loader.LoadAll(context.Background())
	assert.Error(t, err)
}

func TestLoaderRejectsTamperedContentAfterSigning(t *testing.T) {
	dir := t.TempDir()
	policiesDir := filepath.Join(dir, "policies")
	require.NoError(t, os.MkdirAll(policiesDir, 0o700))

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubPath := writeTestPublicKey(t, dir, key)

	unsigned := "id: p1\nversion: \"1.0.0\"\nenabled: true\npriority: 1\nmatch_conditions: []\ndecision: Block\nallowed_actions:\n  - Block\n"
	signed := signTestPolicy(t, key, unsigned)
	tampered := signed + "\nextra_field: injected\n"
	require.NoError(t, os.WriteFile(filepath.Join(policiesDir, "p1.yaml"), []byte(tampered), 0o600))

	backend, err := state.NewFileBackend(filepath.Join(dir, "state"))
	require.NoError(t, err)
	loader, err := NewLoader(context.Background(), policiesDir, pubPath, backend, nil)
	require.NoError(t, err)

	_, err = loader.LoadAll(context.Background())
	assert.Error(t, err)
}
