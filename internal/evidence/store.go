// Package evidence implements the sealed, signed, hash-chained evidence
// store: bundles are mutable until sealed, after which they are hashed,
// signed, and immutable on disk. A bundle whose stored hash or signature
// fails to verify marks the whole chain broken — reading it is fatal.
package evidence

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	hexutil "github.com/ransomeye/coreplane/infrastructure/hex"
	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/trust"
)

const (
	draftKeyPrefix  = "evidence_draft_"
	sealedKeyPrefix = "evidence_sealed_"
	chainHeadKey    = "evidence_chain_head"
)

func draftKey(bundleID string) string  { return draftKeyPrefix + bundleID }
func sealedKey(bundleID string) string { return sealedKeyPrefix + bundleID }

// Store is the append-until-sealed, hash-chained evidence store.
type Store struct {
	mu         sync.Mutex
	backend    *state.FileBackend
	signingKey ed25519.PrivateKey
	verifyKey  ed25519.PublicKey
}

// NewStore constructs a Store backed by cfg.StoreDir, loading the
// pre-provisioned Ed25519 signing key at cfg.SigningKeyPath. Unlike the
// original source, a missing key is a fatal construction error: this store
// never auto-generates one.
func NewStore(cfg Config) (*Store, error) {
	backend, err := state.NewFileBackend(cfg.StoreDir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "evidence.NewStore", "open evidence store dir", err)
	}

	signingKey, err := trust.LoadEd25519PrivateKeyFromPEM(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	return &Store{
		backend:    backend,
		signingKey: signingKey,
		verifyKey:  trust.Ed25519PublicKeyFromPrivate(signingKey),
	}, nil
}

// CreateBundle opens a new mutable bundle, chained onto the current head,
// and persists it immediately as a draft so a crash between creation and
// sealing never loses it — a durability gap the original source leaves
// open, since it only writes a bundle to disk at seal time.
func (s *Store) CreateBundle(ctx context.Context, engineVersion, policyVersion string) (*model.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.chainHead(ctx)
	if err != nil {
		return nil, err
	}

	bundle := &model.EvidenceBundle{
		BundleID:           uuid.NewString(),
		CreatedAt:          time.Now().UTC(),
		EngineVersion:      engineVersion,
		PolicyVersion:      policyVersion,
		EvidenceItems:      []model.EvidenceItem{},
		PreviousBundleHash: head,
		IsSealed:           false,
	}

	if err := s.saveDraft(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// AddEvidence appends an item to a not-yet-sealed bundle, re-persisting the
// draft. Appending to an already-sealed bundle is always rejected.
func (s *Store) AddEvidence(ctx context.Context, bundleID string, item model.EvidenceItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.loadDraft(ctx, bundleID)
	if err != nil {
		return err
	}
	if bundle.IsSealed {
		return coreerr.Contract("evidence.AddEvidence", "bundle "+bundleID+" is already sealed")
	}

	item.AddedAt = time.Now().UTC()
	bundle.EvidenceItems = append(bundle.EvidenceItems, item)

	return s.saveDraft(ctx, bundle)
}

// SealBundle computes the bundle's hash over its canonical contents
// (excluding bundle_hash and signature), signs that hash, writes the sealed
// bundle, and advances the chain head. Sealing is a one-way transition:
// sealing an already-sealed bundle is rejected.
func (s *Store) SealBundle(ctx context.Context, bundleID string) (*model.EvidenceBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bundle, err := s.loadDraft(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	if bundle.IsSealed {
		return nil, coreerr.Contract("evidence.SealBundle", "bundle "+bundleID+" is already sealed")
	}

	canon, err := canonicalBundleBytes(bundle)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canon)
	bundle.BundleHash = hexutil.EncodeToString(sum[:])
	bundle.Signature = trust.SignEd25519(s.signingKey, []byte(bundle.BundleHash))

	sealedAt := time.Now().UTC()
	bundle.SealedAt = &sealedAt
	bundle.IsSealed = true

	if err := s.saveSealed(ctx, bundle); err != nil {
		return nil, err
	}
	if err := s.backend.Delete(ctx, draftKey(bundleID)); err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "evidence.SealBundle", "remove draft after seal", err)
	}
	if err := s.setChainHead(ctx, bundle.BundleHash); err != nil {
		return nil, err
	}

	return bundle, nil
}

// GetBundle reads a sealed bundle and verifies its hash and signature.
// A bundle that fails either check is fatal to read, per the evidence
// chain's integrity invariant: the caller must treat the chain as broken.
func (s *Store) GetBundle(ctx context.Context, bundleID string) (*model.EvidenceBundle, error) {
	data, err := s.backend.Load(ctx, sealedKey(bundleID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "evidence.GetBundle", "load sealed bundle", err)
	}
	var bundle model.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "evidence.GetBundle", "unmarshal sealed bundle", err)
	}
	if err := s.VerifyBundleIntegrity(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// VerifyBundleIntegrity recomputes a sealed bundle's hash and checks its
// signature. Any mismatch is an Integrity error.
func (s *Store) VerifyBundleIntegrity(bundle *model.EvidenceBundle) error {
	canon, err := canonicalBundleBytes(bundle)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(canon)
	computed := hexutil.EncodeToString(sum[:])
	if computed != bundle.BundleHash {
		return coreerr.IntegrityMsg("evidence.VerifyBundleIntegrity", "bundle "+bundle.BundleID+" hash mismatch; evidence chain broken")
	}
	if err := trust.VerifyEd25519(s.verifyKey, []byte(bundle.BundleHash), bundle.Signature); err != nil {
		return coreerr.Wrap(coreerr.KindIntegrity, "evidence.VerifyBundleIntegrity", "bundle "+bundle.BundleID+" signature invalid; evidence chain broken", err)
	}
	return nil
}

// ListSealed returns the IDs of every sealed bundle on disk.
func (s *Store) ListSealed(ctx context.Context) ([]string, error) {
	keys, err := s.backend.List(ctx, sealedKeyPrefix)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindExternal, "evidence.ListSealed", "list sealed bundles", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(sealedKeyPrefix):])
	}
	return ids, nil
}

func (s *Store) loadDraft(ctx context.Context, bundleID string) (*model.EvidenceBundle, error) {
	data, err := s.backend.Load(ctx, draftKey(bundleID))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindContract, "evidence.loadDraft", "bundle "+bundleID+" not found or already sealed", err)
	}
	var bundle model.EvidenceBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "evidence.loadDraft", "unmarshal draft bundle", err)
	}
	return &bundle, nil
}

func (s *Store) saveDraft(ctx context.Context, bundle *model.EvidenceBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "evidence.saveDraft", "marshal draft bundle", err)
	}
	if err := s.backend.Save(ctx, draftKey(bundle.BundleID), data); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "evidence.saveDraft", "save draft bundle", err)
	}
	return nil
}

func (s *Store) saveSealed(ctx context.Context, bundle *model.EvidenceBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvariant, "evidence.saveSealed", "marshal sealed bundle", err)
	}
	if err := s.backend.Save(ctx, sealedKey(bundle.BundleID), data); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "evidence.saveSealed", "save sealed bundle", err)
	}
	return nil
}

// chainHead returns the hash of the most recently sealed bundle, or "" if
// no bundle has ever been sealed. Tracked explicitly rather than inferred
// from a directory listing, since bundle IDs are UUIDs and carry no
// ordering the original source's lexicographic-sort approach could rely on.
func (s *Store) chainHead(ctx context.Context) (string, error) {
	data, err := s.backend.Load(ctx, chainHeadKey)
	if err == state.ErrNotFound {
		return "", nil
	}
	if err != nil {
		return "", coreerr.Wrap(coreerr.KindExternal, "evidence.chainHead", "load chain head", err)
	}
	return string(data), nil
}

func (s *Store) setChainHead(ctx context.Context, hash string) error {
	if err := s.backend.Save(ctx, chainHeadKey, []byte(hash)); err != nil {
		return coreerr.Wrap(coreerr.KindExternal, "evidence.setChainHead", "save chain head", err)
	}
	return nil
}
