package policy

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/infrastructure/state"
)

const versionStateKey = "policy_versions"

// versionTracker persists the highest version observed per policy ID and
// refuses to accept a version that is not strictly greater than the last
// persisted one. A rollback attempt is the one policy-load failure kind
// that is fatal to the whole engine rather than isolated to one policy —
// see the resolution of the spec's fatality-granularity Open Question.
type versionTracker struct {
	backend  *state.FileBackend
	versions map[string]string
}

func newVersionTracker(ctx context.Context, backend *state.FileBackend) (*versionTracker, error) {
	t := &versionTracker{backend: backend, versions: make(map[string]string)}

	data, err := backend.Load(ctx, versionStateKey)
	if err != nil {
		if err == state.ErrNotFound {
			return t, nil
		}
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.newVersionTracker", "load version state", err)
	}
	if err := json.Unmarshal(data, &t.versions); err != nil {
		return nil, coreerr.Wrap(coreerr.KindPolicy, "policy.newVersionTracker", "parse version state", err)
	}
	return t, nil
}

// checkAndStage validates that version is strictly greater than the highest
// version previously observed for policyID, staging (but not yet
// persisting) the update. Staged updates are only committed via commit once
// an entire policy-load batch has validated successfully, so one bad
// version in the batch can never partially advance the persisted state.
func (t *versionTracker) checkAndStage(staged map[string]string, policyID, version string) error {
	highest, ok := t.versions[policyID]
	if staged != nil {
		if v, sok := staged[policyID]; sok {
			highest, ok = v, true
		}
	}
	if ok && compareVersions(version, highest) <= 0 {
		return coreerr.PolicyMsg("policy.checkAndStage",
			"policy version rollback detected: "+policyID+" version "+version+" is not greater than highest observed version "+highest)
	}
	staged[policyID] = version
	return nil
}

// commit persists staged version updates atomically, replacing the tracker's
// in-memory state on success.
func (t *versionTracker) commit(ctx context.Context, staged map[string]string) error {
	merged := make(map[string]string, len(t.versions)+len(staged))
	for k, v := range t.versions {
		merged[k] = v
	}
	for k, v := range staged {
		merged[k] = v
	}

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return coreerr.Wrap(coreerr.KindPolicy, "policy.commit", "marshal version state", err)
	}
	if err := t.backend.Save(ctx, versionStateKey, data); err != nil {
		return coreerr.Wrap(coreerr.KindPolicy, "policy.commit", "persist version state", err)
	}
	t.versions = merged
	return nil
}

// compareVersions compares two dot-separated numeric version strings.
// Returns -1 if v1 < v2, 0 if equal, 1 if v1 > v2. Non-numeric or missing
// components are treated as 0, matching the original comparator.
func compareVersions(v1, v2 string) int {
	p1 := strings.Split(v1, ".")
	p2 := strings.Split(v2, ".")

	maxLen := len(p1)
	if len(p2) > maxLen {
		maxLen = len(p2)
	}

	for i := 0; i < maxLen; i++ {
		a := versionPart(p1, i)
		b := versionPart(p2, i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

func versionPart(parts []string, i int) int {
	if i >= len(parts) {
		return 0
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil {
		return 0
	}
	return n
}
