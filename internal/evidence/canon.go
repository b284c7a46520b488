package evidence

import (
	"encoding/json"

	"github.com/ransomeye/coreplane/internal/coreerr"
	"github.com/ransomeye/coreplane/internal/model"
)

// canonicalBundleBytes reproduces the exact byte sequence that gets hashed
// and signed for a bundle: the bundle round-tripped through JSON into a
// map[string]any with bundle_hash and signature removed. encoding/json
// already emits map[string]any keys in sorted order, so this round-trip is
// enough to make the result stable across processes without a bespoke
// ordered-map encoder. This closes the gap in the original source, where
// hash_evidence appeared to hash the bundle's own bundle_hash/signature
// fields: both are excluded here by construction, never appended after the
// fact.
func canonicalBundleBytes(b *model.EvidenceBundle) ([]byte, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "evidence.canonicalBundleBytes", "marshal bundle", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "evidence.canonicalBundleBytes", "unmarshal bundle to map", err)
	}
	delete(asMap, "bundle_hash")
	delete(asMap, "signature")

	canon, err := json.Marshal(asMap)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.KindInvariant, "evidence.canonicalBundleBytes", "marshal canonical map", err)
	}
	return canon, nil
}
