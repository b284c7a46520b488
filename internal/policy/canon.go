package policy

import (
	"bytes"
	"sort"

	"gopkg.in/yaml.v3"
)

// canonicalYAML re-encodes a YAML document with every mapping's keys sorted
// lexicographically at every nesting level, reproducing the exact bytes the
// signer produced before computing the policy's signature and hash. This is
// the resolution of the spec's Open Question on policy canonicalization: the
// signer and the loader must derive byte-identical content from the same
// logical document regardless of the key order on disk.
func canonicalYAML(raw []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	sortNodeKeys(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// sortNodeKeys recursively sorts the keys of every mapping node in place.
func sortNodeKeys(node *yaml.Node) {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, c := range node.Content {
			sortNodeKeys(c)
		}
	case yaml.MappingNode:
		type pair struct {
			key *yaml.Node
			val *yaml.Node
		}
		pairs := make([]pair, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			pairs = append(pairs, pair{node.Content[i], node.Content[i+1]})
		}
		sort.Slice(pairs, func(i, j int) bool { return pairs[i].key.Value < pairs[j].key.Value })

		node.Content = node.Content[:0]
		for _, p := range pairs {
			sortNodeKeys(p.val)
			node.Content = append(node.Content, p.key, p.val)
		}
	case yaml.SequenceNode:
		for _, c := range node.Content {
			sortNodeKeys(c)
		}
	}
}

// stripSignatureFields removes signature, signature_hash, signature_alg, and
// key_id from a mapping node, matching exactly what the policy-signing tool
// excludes before computing a signature over the document.
func stripSignatureFields(raw []byte) ([]byte, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(raw, &node); err != nil {
		return nil, err
	}
	removeFields(&node, "signature", "signature_hash", "signature_alg", "key_id")
	return canonicalYAML(mustMarshal(&node))
}

func removeFields(node *yaml.Node, fields ...string) {
	if node.Kind == yaml.DocumentNode {
		for _, c := range node.Content {
			removeFields(c, fields...)
		}
		return
	}
	if node.Kind != yaml.MappingNode {
		return
	}
	excluded := make(map[string]bool, len(fields))
	for _, f := range fields {
		excluded[f] = true
	}

	newContent := make([]*yaml.Node, 0, len(node.Content))
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if excluded[key.Value] {
			continue
		}
		removeFields(val, fields...)
		newContent = append(newContent, key, val)
	}
	node.Content = newContent
}

func mustMarshal(node *yaml.Node) []byte {
	out, err := yaml.Marshal(node)
	if err != nil {
		panic(err)
	}
	return out
}
