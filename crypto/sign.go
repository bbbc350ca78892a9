package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"

	"github.com/securechat/core/errkind"
)

// SignatureSize is the raw r||s P-256 signature length.
const SignatureSize = 64

// GenerateSigningKey creates a new P-256 ECDSA identity signing key pair.
func GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "signing key generation failed", err)
	}
	return priv, nil
}

// Sign produces a raw 64-byte r||s ECDSA-SHA256 signature over message.
// The raw encoding matches the web client's WebCrypto output.
func Sign(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	if priv == nil {
		return nil, errkind.New(errkind.CryptoError, "nil signing key")
	}
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "signing failed", err)
	}
	sig := make([]byte, SignatureSize)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a raw 64-byte r||s ECDSA-SHA256 signature over message.
func Verify(pub *ecdsa.PublicKey, message, sig []byte) bool {
	if pub == nil || len(sig) != SignatureSize {
		return false
	}
	digest := sha256.Sum256(message)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}
