package identity

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

// WrappedKey is the at-rest form of an identity private key. All fields are
// base64 (standard, padded) in JSON, matching the wire convention.
type WrappedKey struct {
	WrappedKey string `json:"wrappedKey"`
	Salt       string `json:"salt"`
	IV         string `json:"iv"`
}

// Wrap encrypts the private key under a password-derived key. The plaintext
// is the JWK encoding of the private key; the wrapping key is
// PBKDF2-SHA256(password, salt, 100k) and the wrap AES-256-GCM.
func Wrap(priv *ecdsa.PrivateKey, password []byte) (*WrappedKey, error) {
	salt, err := crypto.RandomBytes(crypto.PBKDF2SaltSize)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.NewIV()
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(crypto.PrivateJWKFromECDSA(priv))
	if err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "private key encoding failed", err)
	}
	defer crypto.Wipe(plaintext)

	key := crypto.StretchPassword(password, salt)
	defer crypto.Wipe(key)

	ct, tag, err := crypto.Seal(key, iv, plaintext, nil)
	if err != nil {
		return nil, err
	}

	// The stored blob is ciphertext||tag; GCM verifies it as a unit.
	sealed := append(ct, tag...)
	return &WrappedKey{
		WrappedKey: base64.StdEncoding.EncodeToString(sealed),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		IV:         base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// Unwrap decrypts a wrapped private key. A tag mismatch means the password
// was wrong (or the blob was tampered with) and surfaces as BadPassword.
func Unwrap(w *WrappedKey, password []byte) (*ecdsa.PrivateKey, error) {
	sealed, err := base64.StdEncoding.DecodeString(w.WrappedKey)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "malformed wrapped key", err)
	}
	salt, err := base64.StdEncoding.DecodeString(w.Salt)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "malformed salt", err)
	}
	iv, err := base64.StdEncoding.DecodeString(w.IV)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "malformed iv", err)
	}
	if len(sealed) < crypto.TagSize {
		return nil, errkind.New(errkind.BadInput, "wrapped key too short")
	}

	key := crypto.StretchPassword(password, salt)
	defer crypto.Wipe(key)

	split := len(sealed) - crypto.TagSize
	plaintext, err := crypto.Open(key, iv, sealed[:split], sealed[split:], nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadPassword, "private key unwrap failed", err)
	}
	defer crypto.Wipe(plaintext)

	var j crypto.JWK
	if err := json.Unmarshal(plaintext, &j); err != nil {
		return nil, errkind.Wrap(errkind.CryptoError, "vaulted key is not a jwk", err)
	}
	return crypto.ECDSAPrivateFromJWK(&j)
}

// Vault persists wrapped identity keys, one file per user, with atomic
// tmp+rename writes.
type Vault struct {
	dir string
}

// NewVault opens (creating if needed) a vault directory.
func NewVault(dir string) (*Vault, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.TransportError, "vault directory unavailable", err)
	}
	return &Vault{dir: dir}, nil
}

func (v *Vault) path(userID string) string {
	return filepath.Join(v.dir, userID+".vault.json")
}

// Store writes the wrapped key for a user.
func (v *Vault) Store(userID string, w *WrappedKey) error {
	data, err := json.Marshal(w)
	if err != nil {
		return errkind.Wrap(errkind.CryptoError, "vault encoding failed", err)
	}
	tmp := v.path(userID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errkind.Wrap(errkind.TransportError, "vault write failed", err)
	}
	if err := os.Rename(tmp, v.path(userID)); err != nil {
		os.Remove(tmp)
		return errkind.Wrap(errkind.TransportError, "vault rename failed", err)
	}
	logrus.WithField("user_id", userID).Debug("Stored wrapped identity key")
	return nil
}

// Load reads the wrapped key for a user.
func (v *Vault) Load(userID string) (*WrappedKey, error) {
	data, err := os.ReadFile(v.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.Newf(errkind.SessionNotFound, "no identity vaulted for %s", userID)
		}
		return nil, errkind.Wrap(errkind.TransportError, "vault read failed", err)
	}
	var w WrappedKey
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "corrupted vault entry", err)
	}
	return &w, nil
}

// Delete removes a user's wrapped key, overwriting it first.
func (v *Vault) Delete(userID string) error {
	path := v.path(userID)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errkind.Wrap(errkind.TransportError, "vault stat failed", err)
	}
	// Best-effort overwrite before unlink.
	_ = os.WriteFile(path, make([]byte, info.Size()), 0o600)
	if err := os.Remove(path); err != nil {
		return errkind.Wrap(errkind.TransportError, "vault delete failed", err)
	}
	return nil
}
