package policy

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ransomeye/coreplane/infrastructure/state"
	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
	"github.com/ransomeye/coreplane/internal/trust"
)

// Loader loads, verifies, and version-tracks signed policy documents from a
// directory of YAML files. Every policy must be signed; an unsigned policy
// is rejected the same as a tampered one.
type Loader struct {
	policiesDir string
	publicKey   *rsa.PublicKey
	tracker     *versionTracker
	policies    map[string]*model.Policy
	log         *logrus.Entry
}

// NewLoader constructs a Loader. publicKeyPath points at a PEM-encoded RSA
// public key (RANSOMEYE_POLICY_PUBLIC_KEY_PATH); versionBackend persists
// version-rollback state (RANSOMEYE_POLICY_VERSION_STATE_PATH).
func NewLoader(ctx context.Context, policiesDir, publicKeyPath string, versionBackend *state.FileBackend, log *logrus.Entry) (*Loader, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	pub, err := trust.LoadRSAPublicKeyFromPEM(publicKeyPath)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.NewLoader", "load policy public key", err)
	}
	tracker, err := newVersionTracker(ctx, versionBackend)
	if err != nil {
		return nil, err
	}
	return &Loader{
		policiesDir: policiesDir,
		publicKey:   pub,
		tracker:     tracker,
		policies:    make(map[string]*model.Policy),
		log:         log,
	}, nil
}

// LoadResult reports the outcome of loading a policy directory.
type LoadResult struct {
	Loaded  []string
	Skipped map[string]error
}

// LoadAll loads every .yaml/.yml file in the loader's directory. A
// version-rollback detection on any file aborts the entire batch and
// returns before any version state is persisted, refusing to start per the
// spec. Any other per-file error (signature invalid, hash mismatch,
// unsigned, malformed) is isolated to that file: it is recorded in
// result.Skipped and loading continues.
func (l *Loader) LoadAll(ctx context.Context) (*LoadResult, error) {
	entries, err := os.ReadDir(l.policiesDir)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.LoadAll", "read policies directory", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(l.policiesDir, e.Name()))
		}
	}
	sort.Strings(files)

	staged := make(map[string]string)
	loadedPolicies := make(map[string]*model.Policy)
	result := &LoadResult{Skipped: make(map[string]error)}

	for _, path := range files {
		p, err := l.loadPolicyFile(path)
		if err != nil {
			result.Skipped[path] = err
			l.log.WithError(err).WithField("file", path).Warn("skipping policy file")
			continue
		}
		if p == nil {
			continue
		}
		if vErr := l.tracker.checkAndStage(staged, p.ID, p.Version); vErr != nil {
			return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.LoadAll", "version rollback — refusing to start", vErr)
		}
		loadedPolicies[p.ID] = p
		result.Loaded = append(result.Loaded, p.ID)
	}

	if len(loadedPolicies) == 0 {
		return nil, coreerr.PolicyMsg("policy.LoadAll", "no valid policies loaded")
	}

	if err := l.tracker.commit(ctx, staged); err != nil {
		return nil, err
	}
	l.policies = loadedPolicies

	l.log.WithField("count", len(loadedPolicies)).Info("loaded policies")
	return result, nil
}

// loadPolicyFile loads and verifies a single policy file. Per-policy
// failures (unsigned, invalid signature, hash mismatch, malformed YAML) are
// returned as a non-nil error; LoadAll records them in LoadResult.Skipped
// and continues with the remaining files.
func (l *Loader) loadPolicyFile(path string) (*model.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.loadPolicyFile", "read policy file "+path, err)
	}

	var p model.Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.loadPolicyFile", "parse policy file "+path, err)
	}

	if p.Signature == "" {
		return nil, coreerr.PolicyMsg("policy.loadPolicyFile", "policy "+p.ID+" is not signed")
	}

	stripped, err := stripSignatureFields(raw)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.loadPolicyFile", "canonicalize policy "+p.ID, err)
	}

	if err := trust.VerifyRSAPSS(l.publicKey, stripped, p.Signature); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.loadPolicyFile", "policy "+p.ID+" signature verification failed", err)
	}

	if p.SignatureHash != "" {
		sum := sha256.Sum256(stripped)
		if hex.EncodeToString(sum[:]) != p.SignatureHash {
			return nil, coreerr.PolicyMsg("policy.loadPolicyFile", "policy "+p.ID+" hash mismatch")
		}
	}

	return &p, nil
}

// GetPolicy returns the loaded policy by ID.
func (l *Loader) GetPolicy(policyID string) (*model.Policy, error) {
	p, ok := l.policies[policyID]
	if !ok {
		return nil, coreerr.PolicyMsg("policy.GetPolicy", "policy not found: "+policyID)
	}
	return p, nil
}

// AllPolicies returns every loaded, enabled policy sorted by descending
// priority, with equal priorities ordered by ascending policy ID.
func (l *Loader) AllPolicies() []*model.Policy {
	out := make([]*model.Policy, 0, len(l.policies))
	for _, p := range l.policies {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}
