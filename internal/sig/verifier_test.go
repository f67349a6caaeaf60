package sig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierRejectsUnsignedByDefault(t *testing.T) {
	v, cleanup, err := NewVerifier(nil, nil)
	require.NoError(t, err)
	defer cleanup()

	plain := strings.NewReader("Origin: test\nSuite: stable\n")
	_, _, err = v.VerifyClearsigned(plain)
	assert.ErrorIs(t, err, ErrMissingSignature)
}

func TestVerifierAcceptsUnsignedWhenConfigured(t *testing.T) {
	v, cleanup, err := NewVerifier(nil, nil)
	require.NoError(t, err)
	defer cleanup()
	v.AcceptUnsigned = true

	body := "Origin: test\nSuite: stable\n"
	rc, keys, err := v.VerifyClearsigned(strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	assert.Nil(t, keys)
}

func TestPrepareKeyFilePassesThroughBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted.gpg")
	require.NoError(t, os.WriteFile(path, []byte{0x99, 0x01, 0x02, 0x03, 0x04}, 0o644))

	resolved, cleanup, err := prepareKeyFile(path)
	require.NoError(t, err)
	if cleanup != nil {
		defer cleanup()
	}

	assert.Equal(t, path, resolved)
}

func TestNewVerifierSkipsMissingTrustDir(t *testing.T) {
	_, cleanup, err := NewVerifier([]string{filepath.Join(t.TempDir(), "does-not-exist")}, nil)
	require.NoError(t, err)
	defer cleanup()
}
