package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// fingerprintSize is the number of hash bytes shown in a key fingerprint
const fingerprintSize = 8

// Hash generates a BLAKE2b-256 hash
func Hash(data []byte) ([]byte, error) {
	hash, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}

	hash.Write(data)
	return hash.Sum(nil), nil
}

// Fingerprint returns a short hex BLAKE2b digest of the public key's
// SubjectPublicKeyInfo, used to correlate key pairs in logs
func Fingerprint(key *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	sum, err := Hash(der)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum[:fingerprintSize]), nil
}

// RandomBytes reads n bytes from the system CSPRNG
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// Wipe overwrites b with zeros
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
