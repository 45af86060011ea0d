package vault

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	v := New(keyFile)

	plaintext := []byte("fake opus audio payload")
	ciphertext, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Greater(t, len(ciphertext), len(plaintext)) // nonce + GCM tag overhead

	got, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptCreatesKeyFileWithTightPermissions(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "sub", "key")
	v := New(keyFile)

	_, err := v.Encrypt([]byte("data"))
	require.NoError(t, err)

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, int64(seedSize), info.Size())
}

func TestDecryptAcrossVaultInstances(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")

	ciphertext, err := New(keyFile).Encrypt([]byte("persist me"))
	require.NoError(t, err)

	// A fresh vault over the same key file must read the same key back.
	got, err := New(keyFile).Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("persist me"), got)
}

func TestDecryptWithoutKeyReturnsErrKeyUnavailable(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	v := New(keyFile)

	ciphertext, err := v.Encrypt([]byte("doomed"))
	require.NoError(t, err)

	require.NoError(t, v.Destroy())

	_, err = v.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDecryptAfterKeyRotationFails(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	v := New(keyFile)

	ciphertext, err := v.Encrypt([]byte("old key data"))
	require.NoError(t, err)

	// Destroy and re-create: a new key is generated, old ciphertext is lost.
	require.NoError(t, v.Destroy())
	_, err = v.Encrypt([]byte("new key data"))
	require.NoError(t, err)

	_, err = v.Decrypt(ciphertext)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrKeyUnavailable)
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	v := New(keyFile)

	_, err := v.Encrypt([]byte("x")) // force key creation
	require.NoError(t, err)

	_, err = v.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestDestroyIsIdempotent(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	v := New(keyFile)

	require.NoError(t, v.Destroy())
	require.NoError(t, v.Destroy())
}

func TestCorruptedKeyFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("short"), 0600))

	_, err := New(keyFile).Encrypt([]byte("data"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrKeyUnavailable))
}
