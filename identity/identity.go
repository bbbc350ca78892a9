package identity

import (
	"crypto/ecdsa"

	"github.com/sirupsen/logrus"

	"github.com/securechat/core/crypto"
)

// KeyPair is a long-term signing identity. The private half signs KEP
// ephemerals; the public half is published to the directory.
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  *crypto.JWK
}

// Generate creates a fresh P-256 signing identity.
func Generate() (*KeyPair, error) {
	priv, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{
		Private: priv,
		Public:  crypto.PublicJWKFromECDSA(&priv.PublicKey),
	}
	logrus.WithFields(logrus.Fields{
		"key_hash": kp.Public.Thumbprint()[:16],
	}).Info("Generated identity key pair")
	return kp, nil
}

// Thumbprint returns the hex SHA-256 of the canonical public JWK.
func (kp *KeyPair) Thumbprint() string {
	return kp.Public.Thumbprint()
}
