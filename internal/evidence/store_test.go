package evidence

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/internal/model"
)

func writeEd25519SigningKey(t *testing.T, path string) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "signing_key.pem")
	writeEd25519SigningKey(t, keyPath)

	cfg := Config{
		StoreDir:       filepath.Join(dir, "store"),
		SigningKeyPath: keyPath,
	}
	store, err := NewStore(cfg)
	require.NoError(t, err)
	return store
}

func TestCreateAddSealRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bundle, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	require.NoError(t, s.AddEvidence(ctx, bundle.BundleID, model.EvidenceItem{
		Kind: "pcap", Reference: "s3://bucket/capture.pcap", Hash: "deadbeef",
	}))

	sealed, err := s.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)
	assert.True(t, sealed.IsSealed)
	assert.NotEmpty(t, sealed.BundleHash)
	assert.NotEmpty(t, sealed.Signature)
	assert.Len(t, sealed.EvidenceItems, 1)

	reloaded, err := s.GetBundle(ctx, bundle.BundleID)
	require.NoError(t, err)
	assert.Equal(t, sealed.BundleHash, reloaded.BundleHash)
}

func TestSealingTwiceIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bundle, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	_, err = s.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)

	_, err = s.SealBundle(ctx, bundle.BundleID)
	assert.Error(t, err)
}

func TestAddEvidenceToSealedBundleIsRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bundle, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	_, err = s.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)

	err = s.AddEvidence(ctx, bundle.BundleID, model.EvidenceItem{Kind: "log", Reference: "x", Hash: "y"})
	assert.Error(t, err)
}

func TestChainLinksSuccessiveBundles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	assert.Empty(t, first.PreviousBundleHash)
	sealedFirst, err := s.SealBundle(ctx, first.BundleID)
	require.NoError(t, err)

	second, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	assert.Equal(t, sealedFirst.BundleHash, second.PreviousBundleHash)
}

func TestGetBundleDetectsTamperedHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bundle, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	_, err = s.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)

	data, err := s.backend.Load(ctx, sealedKey(bundle.BundleID))
	require.NoError(t, err)
	tampered := append([]byte(nil), data...)
	for i, b := range tampered {
		if b == '"' {
			tampered[i] = '\''
			break
		}
	}
	require.NoError(t, s.backend.Save(ctx, sealedKey(bundle.BundleID), tampered))

	_, err = s.GetBundle(ctx, bundle.BundleID)
	assert.Error(t, err)
}

func TestSweepRetentionFlagsOldBundlesOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bundle, err := s.CreateBundle(ctx, "engine-1.0", "policy-1.0")
	require.NoError(t, err)
	sealed, err := s.SealBundle(ctx, bundle.BundleID)
	require.NoError(t, err)

	flags, err := s.SweepRetention(ctx, 24*time.Hour, sealed.SealedAt.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, sealed.BundleID, flags[0].BundleID)

	flags, err = s.SweepRetention(ctx, 24*time.Hour, sealed.SealedAt.Add(1*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, flags)
}
