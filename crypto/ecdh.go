package crypto

import (
	"crypto/ecdh"
	"crypto/rand"

	"github.com/securechat/core/errkind"
)

// GenerateEphemeral creates a fresh P-256 ECDH key pair for one handshake
// round. The private half must be discarded after the shared secret is
// derived.
func GenerateEphemeral() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "ephemeral key generation failed", err)
	}
	return priv, nil
}

// SharedSecret computes the raw ECDH shared secret between our ephemeral
// private key and the peer's ephemeral public key. The result feeds HKDF and
// is never used directly as a key.
func SharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	z, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "ecdh agreement failed", err)
	}
	return z, nil
}
