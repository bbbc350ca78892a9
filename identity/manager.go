package identity

import (
	"context"
	"crypto/ecdsa"

	"github.com/sirupsen/logrus"
)

// StaleMarker is implemented by the session store: after an identity
// rotation every active session must renegotiate before the next message.
type StaleMarker interface {
	MarkAllStale(userID string) error
}

// Manager ties a user's vault, directory entry and session staleness
// together.
type Manager struct {
	UserID    string
	Vault     *Vault
	Directory Directory
	Sessions  StaleMarker
}

// Bootstrap generates an identity if none is vaulted yet, wraps it under the
// password, stores and publishes it. Returns the unwrapped private key for
// the running process.
func (m *Manager) Bootstrap(ctx context.Context, password []byte) (*ecdsa.PrivateKey, error) {
	if w, err := m.Vault.Load(m.UserID); err == nil {
		priv, err := Unwrap(w, password)
		if err != nil {
			return nil, err
		}
		return priv, nil
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	w, err := Wrap(kp.Private, password)
	if err != nil {
		return nil, err
	}
	if err := m.Vault.Store(m.UserID, w); err != nil {
		return nil, err
	}
	if err := m.Directory.Publish(ctx, m.UserID, kp.Public); err != nil {
		return nil, err
	}
	return kp.Private, nil
}

// Rotate replaces the identity: generate, wrap locally, publish, then mark
// all sessions stale so they renegotiate through KEP before the next
// message. The vault is written before publication so a crash between the
// two leaves a recoverable local key.
func (m *Manager) Rotate(ctx context.Context, password []byte) (*KeyPair, error) {
	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	w, err := Wrap(kp.Private, password)
	if err != nil {
		return nil, err
	}
	if err := m.Vault.Store(m.UserID, w); err != nil {
		return nil, err
	}
	if err := m.Directory.Publish(ctx, m.UserID, kp.Public); err != nil {
		return nil, err
	}
	if m.Sessions != nil {
		if err := m.Sessions.MarkAllStale(m.UserID); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"user_id":  m.UserID,
		"key_hash": kp.Thumbprint()[:16],
	}).Info("Rotated identity key")
	return kp, nil
}
