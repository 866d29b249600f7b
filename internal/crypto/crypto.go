// Package crypto implements ShareBox's client-side envelope encryption.
//
// Every object is stored as nonce(12) || tag(16) || ciphertext using
// AES-256-GCM, with the key derived from a user password via PBKDF2-HMAC-
// SHA256. The salt is deliberately deterministic (sha256(password)[:16])
// rather than random-per-file: this lets any device holding the password
// re-derive the same key without a separate salt-distribution channel,
// at the cost of making the KDF's output guessable if the password itself
// is weak. That tradeoff is inherited from the original implementation and
// is kept for migration compatibility with existing encrypted buckets.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/rs/zerolog"
	"github.com/sharebox/sharebox/internal/errs"
)

const (
	// Algorithm is the only supported envelope algorithm, reported via Info.
	Algorithm = "AES-256-GCM"

	keyLength     = 32
	pbkdf2Iters   = 100000
	nonceLength   = 12
	tagLength     = 16
	minEnvelopeLen = nonceLength + tagLength
)

// Manager derives a key from a password and encrypts/decrypts data and
// filenames with it.
type Manager struct {
	key    []byte
	logger zerolog.Logger
}

// New derives the encryption key from password and returns a ready Manager.
// An empty password is rejected, mirroring EncryptionManager's ValueError
// in the original implementation.
func New(password string, logger zerolog.Logger) (*Manager, error) {
	if password == "" {
		return nil, errs.CryptoError(errs.CodeCryptoNoPassword, "encryption password is required", nil)
	}
	return &Manager{
		key:    deriveKey(password, nil),
		logger: logger.With().Str("component", "crypto").Logger(),
	}, nil
}

// deriveKey derives a 32-byte AES key from password using PBKDF2-HMAC-
// SHA256 with 100000 iterations. When salt is nil it is computed
// deterministically as sha256(password)[:16].
func deriveKey(password string, salt []byte) []byte {
	if salt == nil {
		sum := sha256.Sum256([]byte(password))
		salt = sum[:16]
	}
	return pbkdf2.Key([]byte(password), salt, pbkdf2Iters, keyLength, sha256.New)
}

// Encrypt returns nonce || tag || ciphertext for the given plaintext.
func (m *Manager) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, errs.CryptoError(errs.CodeInternal, "failed to construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.CryptoError(errs.CodeInternal, "failed to construct GCM mode", err)
	}

	nonce := make([]byte, nonceLength)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.CryptoError(errs.CodeInternal, "failed to generate nonce", err)
	}

	// Seal appends ciphertext||tag to dst; GCM's tag comes last, but the
	// envelope format is nonce||tag||ciphertext, so the tag is split out.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	envelope := make([]byte, 0, nonceLength+tagLength+len(ciphertext))
	envelope = append(envelope, nonce...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return envelope, nil
}

// Decrypt reverses Encrypt, authenticating the ciphertext against the tag.
func (m *Manager) Decrypt(envelope []byte) ([]byte, error) {
	if len(envelope) < minEnvelopeLen {
		return nil, errs.CryptoError(errs.CodeCryptoMalformed,
			fmt.Sprintf("encrypted data too short: %d bytes", len(envelope)), nil)
	}

	nonce := envelope[:nonceLength]
	tag := envelope[nonceLength:minEnvelopeLen]
	ciphertext := envelope[minEnvelopeLen:]

	block, err := aes.NewCipher(m.key)
	if err != nil {
		return nil, errs.CryptoError(errs.CodeInternal, "failed to construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.CryptoError(errs.CodeInternal, "failed to construct GCM mode", err)
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLength)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errs.CryptoError(errs.CodeCryptoAuthentication, "decryption failed", err)
	}
	return plaintext, nil
}

// EncryptFilename base64url-encodes the encrypted envelope of name. On
// failure it logs and falls back to returning name unchanged, matching the
// original implementation's defensive behavior for filename encryption.
func (m *Manager) EncryptFilename(name string) string {
	envelope, err := m.Encrypt([]byte(name))
	if err != nil {
		m.logger.Error().Err(err).Str("name", name).Msg("filename encryption failed, using plaintext")
		return name
	}
	return base64.URLEncoding.EncodeToString(envelope)
}

// DecryptFilename reverses EncryptFilename, falling back to the input
// unchanged on any decode or decrypt failure.
func (m *Manager) DecryptFilename(encoded string) string {
	envelope, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		m.logger.Debug().Str("name", encoded).Msg("filename not base64, treating as plaintext")
		return encoded
	}
	name, err := m.Decrypt(envelope)
	if err != nil {
		m.logger.Debug().Str("name", encoded).Msg("filename decryption failed, treating as plaintext")
		return encoded
	}
	return string(name)
}

// VerifyPassword reports whether password derives the same key this Manager
// was constructed with, using a constant-time comparison.
func (m *Manager) VerifyPassword(password string) bool {
	candidate := deriveKey(password, nil)
	return subtle.ConstantTimeCompare(candidate, m.key) == 1
}

// ChangePassword re-derives the in-memory key from newPassword after
// verifying oldPassword, without re-encrypting any already-stored data —
// existing objects remain readable only with the password that encrypted
// them until they are next rewritten.
func (m *Manager) ChangePassword(oldPassword, newPassword string) error {
	if !m.VerifyPassword(oldPassword) {
		return errs.CryptoError(errs.CodeCryptoAuthentication, "current password is incorrect", nil)
	}
	m.key = deriveKey(newPassword, nil)
	return nil
}

// Info describes the active encryption configuration.
type Info struct {
	Algorithm  string `json:"algorithm"`
	KeyLength  int    `json:"key_length_bits"`
	Enabled    bool   `json:"enabled"`
}

// Info returns the current encryption configuration summary.
func (m *Manager) Info() Info {
	return Info{
		Algorithm: Algorithm,
		KeyLength: keyLength * 8,
		Enabled:   true,
	}
}
