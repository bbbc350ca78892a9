package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/securechat/core/errkind"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the GCM IV length in bytes (96 bits).
	IVSize = 12
	// TagSize is the GCM authentication tag length in bytes (128 bits).
	TagSize = 16
)

// Seal encrypts plaintext with AES-256-GCM and returns ciphertext and tag
// separately, matching the wire envelope which carries them in distinct
// fields. The IV must be fresh for every call; use NewIV.
func Seal(key, iv, plaintext, additionalData []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(key, len(iv))
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, additionalData)
	split := len(sealed) - TagSize
	return sealed[:split], sealed[split:], nil
}

// Open decrypts ciphertext with AES-256-GCM, verifying the detached tag.
// On tag mismatch no partial plaintext is returned.
func Open(key, iv, ciphertext, tag, additionalData []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, errkind.Newf(errkind.CryptoError, "auth tag must be %d bytes, got %d", TagSize, len(tag))
	}
	gcm, err := newGCM(key, len(iv))
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, additionalData)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "authenticated decryption failed", err)
	}
	return plaintext, nil
}

func newGCM(key []byte, ivLen int) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errkind.Newf(errkind.CryptoError, "key must be %d bytes, got %d", KeySize, len(key))
	}
	if ivLen != IVSize {
		return nil, errkind.Newf(errkind.CryptoError, "iv must be %d bytes, got %d", IVSize, ivLen)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "cipher init failed", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "gcm init failed", err)
	}
	return gcm, nil
}
