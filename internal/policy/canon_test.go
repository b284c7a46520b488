package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalYAMLSortsKeysRegardlessOfInputOrder(t *testing.T) {
	a := []byte("b: 1\na: 2\nc:\n  z: 1\n  y: 2\n")
	b := []byte("a: 2\nc:\n  y: 2\n  z: 1\nb: 1\n")

	canonA, err := canonicalYAML(a)
	require.NoError(t, err)
	canonB, err := canonicalYAML(b)
	require.NoError(t, err)

	assert.Equal(t, string(canonA), string(canonB))
}

func TestStripSignatureFieldsRemovesAllFourFields(t *testing.T) {
	raw := []byte("id: p1\nsignature: abc\nsignature_hash: def\nsignature_alg: rsa-pss\nkey_id: k1\n")

	stripped, err := stripSignatureFields(raw)
	require.NoError(t, err)
	assert.NotContains(t, string(stripped), "signature")
	assert.NotContains(t, string(stripped), "key_id")
	assert.Contains(t, string(stripped), "id: p1")
}
