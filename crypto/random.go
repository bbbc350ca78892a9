package crypto

import (
	"crypto/rand"
	"io"

	"github.com/securechat/core/errkind"
)

// NonceSize is the length of freshly generated replay nonces. Inbound
// envelopes may carry nonces anywhere in [MinNonceSize, MaxNonceSize].
const (
	NonceSize    = 16
	MinNonceSize = 12
	MaxNonceSize = 32
)

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "entropy source failed", err)
	}
	return b, nil
}

// NewIV returns a fresh random GCM IV.
func NewIV() ([]byte, error) {
	return RandomBytes(IVSize)
}

// NewNonce returns a fresh random replay nonce.
func NewNonce() ([]byte, error) {
	return RandomBytes(NonceSize)
}
