package crypto

import (
	"crypto/rsa"
	"encoding/base64"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKeyOnce sync.Once
	testKey     *rsa.PrivateKey
)

// sharedTestKey returns one 2048-bit key reused across tests
func sharedTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testKeyOnce.Do(func() {
		key, err := GenerateRSAKeyPair(DefaultRSABits)
		require.NoError(t, err)
		testKey = key
	})
	require.NotNil(t, testKey)
	return testKey
}

func TestGenerateRSAKeyPair(t *testing.T) {
	key := sharedTestKey(t)
	assert.Equal(t, DefaultRSABits, key.N.BitLen())

	_, err := GenerateRSAKeyPair(512)
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, err, ErrCrypto)
}

func TestExportPublicKeyWrapped(t *testing.T) {
	key := sharedTestKey(t)

	wrapped, err := ExportPublicKeyBase64(&key.PublicKey, true)
	require.NoError(t, err)

	lines := strings.Split(wrapped, "\r\n")
	require.Greater(t, len(lines), 1)
	for _, line := range lines[:len(lines)-1] {
		assert.Len(t, line, 76)
	}
	assert.LessOrEqual(t, len(lines[len(lines)-1]), 76)
	assert.NotContains(t, strings.ReplaceAll(wrapped, "\r\n", ""), "\n")

	flat, err := ExportPublicKeyBase64(&key.PublicKey, false)
	require.NoError(t, err)
	assert.Equal(t, flat, strings.ReplaceAll(wrapped, "\r\n", ""))

	// 2048-bit SubjectPublicKeyInfo is 294 bytes
	der, err := base64.StdEncoding.DecodeString(flat)
	require.NoError(t, err)
	assert.Len(t, der, 294)
	assert.True(t, strings.HasPrefix(flat, "MIIBIjANBgkqhkiG9w0BAQEFAAOCAQ8AMIIBCgKCAQEA"))
}

func TestParsePublicKeyIgnoresLineBreaks(t *testing.T) {
	key := sharedTestKey(t)

	for _, wrap := range []bool{true, false} {
		encoded, err := ExportPublicKeyBase64(&key.PublicKey, wrap)
		require.NoError(t, err)

		pub, err := ParsePublicKeyBase64(encoded)
		require.NoError(t, err)
		assert.Equal(t, 0, key.N.Cmp(pub.N))
		assert.Equal(t, key.E, pub.E)
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParsePublicKeyBase64("not base64!!")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParsePublicKeyBase64(base64.StdEncoding.EncodeToString([]byte("not a key")))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestWrapUnwrapKey(t *testing.T) {
	key := sharedTestKey(t)
	symmetric := []byte("0123456789abcdef0123456789abcdef")

	wrapped, err := WrapKey(symmetric, &key.PublicKey)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(wrapped)
	require.NoError(t, err)
	assert.Len(t, raw, 256)

	unwrapped, err := UnwrapKey(wrapped, key)
	require.NoError(t, err)
	assert.Equal(t, symmetric, unwrapped)
}

func TestUnwrapKeyWrongPrivateKey(t *testing.T) {
	key := sharedTestKey(t)
	other, err := GenerateRSAKeyPair(MinRSABits)
	require.NoError(t, err)

	wrapped, err := WrapKey(make([]byte, SymmetricKeySize), &other.PublicKey)
	require.NoError(t, err)

	_, err = UnwrapKey(wrapped, key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	_, err = UnwrapKey("%%%", key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
