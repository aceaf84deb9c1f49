package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCrypto is the root of every error returned by this package
	ErrCrypto = errors.New("crypto error")

	ErrInvalidKey       = fmt.Errorf("%w: invalid key", ErrCrypto)
	ErrEncryptionFailed = fmt.Errorf("%w: encryption failed", ErrCrypto)
	ErrDecryptionFailed = fmt.Errorf("%w: decryption failed", ErrCrypto)
	ErrShortKey         = fmt.Errorf("%w: symmetric key shorter than %d bytes", ErrCrypto, SymmetricKeySize)
	ErrOversizedKey     = fmt.Errorf("%w: symmetric key longer than %d bytes, truncated", ErrCrypto, SymmetricKeySize)
	ErrNoKey            = fmt.Errorf("%w: no symmetric key installed", ErrCrypto)
)

const (
	// DefaultRSABits is the modulus size of per-connection key pairs
	DefaultRSABits = 2048

	// MinRSABits is the smallest modulus that still wraps a 32-byte key
	// under PKCS#1 v1.5 padding with room to spare
	MinRSABits = 1024

	// lineWidth is the base64 column width used when wrapping exported keys
	lineWidth = 76
)

// GenerateRSAKeyPair generates a new RSA key pair of the given size
func GenerateRSAKeyPair(bits int) (*rsa.PrivateKey, error) {
	if bits < MinRSABits {
		return nil, fmt.Errorf("%w: rsa key size %d below %d", ErrInvalidKey, bits, MinRSABits)
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rsa key: %w", err)
	}
	return key, nil
}

// ExportPublicKeyBase64 encodes the key as base64 SubjectPublicKeyInfo.
// With wrap set the output is broken into 76-column lines joined by CRLF,
// which is what deployed devices expect.
func ExportPublicKeyBase64(key *rsa.PublicKey, wrap bool) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	encoded := base64.StdEncoding.EncodeToString(der)
	if !wrap {
		return encoded, nil
	}
	return wrapLines(encoded, lineWidth), nil
}

func wrapLines(s string, width int) string {
	if len(s) <= width {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*(len(s)/width))
	for len(s) > width {
		b.WriteString(s[:width])
		b.WriteString("\r\n")
		s = s[width:]
	}
	b.WriteString(s)
	return b.String()
}

// ParsePublicKeyBase64 decodes a base64 SubjectPublicKeyInfo. Whitespace and
// line breaks inside the encoding are ignored.
func ParsePublicKeyBase64(s string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(stripSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: public key base64: %v", ErrInvalidKey, err)
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is %T, not RSA", ErrInvalidKey, pub)
	}

	return rsaPub, nil
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)
}

// WrapKey encrypts a symmetric key under the peer's public key with PKCS#1
// v1.5 padding and returns it base64 encoded
func WrapKey(key []byte, publicKey *rsa.PublicKey) (string, error) {
	ciphertext, err := rsa.EncryptPKCS1v15(rand.Reader, publicKey, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// UnwrapKey reverses WrapKey with the matching private key
func UnwrapKey(wrapped string, privateKey *rsa.PrivateKey) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(stripSpace(wrapped))
	if err != nil {
		return nil, fmt.Errorf("%w: key base64: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := rsa.DecryptPKCS1v15(nil, privateKey, ciphertext)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
