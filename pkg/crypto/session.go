package crypto

import (
	"crypto/aes"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
)

// Session holds one connection's key material: the host's RSA key pair and,
// once the handshake completes, the shared AES-256 key.
//
// A Session is not safe for concurrent use; the owning connection serializes
// access.
type Session struct {
	private *rsa.PrivateKey
	key     []byte
}

// NewSession generates a fresh RSA key pair of the given size
func NewSession(bits int) (*Session, error) {
	private, err := GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, err
	}
	return &Session{private: private}, nil
}

// NewKeyedSession creates a session that already holds a symmetric key.
// Devices use it after choosing their own key. key is copied.
func NewKeyedSession(key []byte) (*Session, error) {
	if len(key) != SymmetricKeySize {
		return nil, fmt.Errorf("%w: key length %d", ErrInvalidKey, len(key))
	}
	return &Session{key: append([]byte(nil), key...)}, nil
}

// PublicKey returns the session's public key encoded for an RSA_PUBKEY frame
func (s *Session) PublicKey(wrap bool) (string, error) {
	if s.private == nil {
		return "", ErrInvalidKey
	}
	return ExportPublicKeyBase64(&s.private.PublicKey, wrap)
}

// Fingerprint identifies the session's public key
func (s *Session) Fingerprint() string {
	if s.private == nil {
		return ""
	}
	fp, err := Fingerprint(&s.private.PublicKey)
	if err != nil {
		return ""
	}
	return fp
}

// InstallSymmetricKey unwraps the peer's key blob and stores its first 32
// bytes. A plaintext shorter than that fails with ErrShortKey and leaves the
// session unchanged. A longer one is truncated and reported through the
// truncated result.
func (s *Session) InstallSymmetricKey(blob string) (truncated bool, err error) {
	if s.private == nil {
		return false, ErrInvalidKey
	}

	plaintext, err := UnwrapKey(blob, s.private)
	if err != nil {
		return false, err
	}
	defer Wipe(plaintext)

	if len(plaintext) < SymmetricKeySize {
		return false, fmt.Errorf("%w: got %d", ErrShortKey, len(plaintext))
	}

	Wipe(s.key)
	s.key = make([]byte, SymmetricKeySize)
	copy(s.key, plaintext)
	return len(plaintext) > SymmetricKeySize, nil
}

// Ready reports whether a symmetric key is installed
func (s *Session) Ready() bool {
	return len(s.key) == SymmetricKeySize
}

// Encrypt encrypts plaintext under a fresh random IV. Both results are base64.
func (s *Session) Encrypt(plaintext []byte) (ciphertext, iv string, err error) {
	if !s.Ready() {
		return "", "", ErrNoKey
	}

	rawIV, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ct, err := EncryptCBC(plaintext, s.key, rawIV)
	if err != nil {
		return "", "", err
	}

	return base64.StdEncoding.EncodeToString(ct), base64.StdEncoding.EncodeToString(rawIV), nil
}

// Decrypt reverses Encrypt. The result still carries its zero padding.
func (s *Session) Decrypt(ciphertext, iv string) ([]byte, error) {
	if !s.Ready() {
		return nil, ErrNoKey
	}

	rawIV, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return nil, fmt.Errorf("%w: iv base64: %v", ErrDecryptionFailed, err)
	}
	ct, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext base64: %v", ErrDecryptionFailed, err)
	}

	return DecryptCBC(ct, s.key, rawIV)
}

// Close wipes the symmetric key and drops the private key. The session is
// unusable afterwards.
func (s *Session) Close() {
	Wipe(s.key)
	s.key = nil
	s.private = nil
}
