package audit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ransomeye/coreplane/infrastructure/redaction"
)

func TestAppendBuildsVerifiableChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	require.NoError(t, err)

	h1, err := log.Append("DirectiveReceived", map[string]any{"directive_id": "d1"})
	require.NoError(t, err)
	h2, err := log.Append("DirectiveValidated", map[string]any{"directive_id": "d1"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h2, log.LastHash())
	require.NoError(t, log.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, h2, reopened.LastHash())
}

func TestOpenDetectsTamperedChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	require.NoError(t, err)
	_, err = log.Append("DirectiveReceived", map[string]any{"directive_id": "d1"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := append([]byte(nil), data...)
	// flip a byte inside the JSON payload to break the stored hash.
	for i, b := range tampered {
		if b == '1' {
			tampered[i] = '9'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o600))

	_, err = Open(path)
	assert.Error(t, err)
}

func TestAppendRedactsSecretsWhenRedactorAttached(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	require.NoError(t, err)
	log.WithRedaction(redaction.NewRedactor(redaction.DefaultConfig()))

	_, err = log.Append("AgentRegistered", map[string]any{"token": "super-secret-value"})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "super-secret-value")
	assert.Contains(t, string(data), "REDACTED")
}

func TestAppendSequenceIsMonotonic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := Open(path)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := log.Append("Tick", map[string]any{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(5), log.nextSeq)
}
