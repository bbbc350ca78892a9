package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"github.com/securechat/core/errkind"
)

const (
	// PBKDF2Iterations is the password stretch count for key wrapping and
	// the session-store key.
	PBKDF2Iterations = 100000
	// PBKDF2SaltSize is the random salt length for password derivation.
	PBKDF2SaltSize = 16
)

// HKDF derives length bytes from secret using HKDF-SHA256 extract-then-expand
// with the given salt and info label. The info labels are protocol constants;
// see the kep package for the session key schedule.
func HKDF(secret, salt []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "hkdf expand failed", err)
	}
	return out, nil
}

// DeriveKey derives a 32-byte key: the common case for session and wrapping
// keys.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	return HKDF(secret, salt, info, KeySize)
}

// StretchPassword derives a 32-byte key from a password with PBKDF2-SHA256.
// The salt must be PBKDF2SaltSize random bytes stored alongside the wrapped
// material.
func StretchPassword(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}
