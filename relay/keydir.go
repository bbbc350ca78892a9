package relay

import (
	"sync"
	"time"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/identity"
)

// KeyVersion is one retired generation of a user's identity key.
type KeyVersion struct {
	Version    int       `json:"version"`
	KeyHash    string    `json:"keyHash"`
	ReplacedAt time.Time `json:"replacedAt"`
}

type keyEntry struct {
	record   identity.PublicKeyRecord
	previous []KeyVersion
}

// KeyDirectory is the server-side identity key store. Uploads are idempotent
// upserts: an unchanged key leaves the version untouched, a changed key bumps
// it and appends the prior generation to the history. Every read recomputes
// the tamper hash.
type KeyDirectory struct {
	mu      sync.RWMutex
	entries map[string]*keyEntry
	clock   crypto.TimeProvider
}

// NewKeyDirectory creates an empty directory.
func NewKeyDirectory(tp crypto.TimeProvider) *KeyDirectory {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &KeyDirectory{
		entries: make(map[string]*keyEntry),
		clock:   tp,
	}
}

// Upsert stores or rotates a user's public key. Malformed keys and keys
// carrying a private component are rejected with BadInput.
func (d *KeyDirectory) Upsert(userID string, key *crypto.JWK) (*identity.PublicKeyRecord, error) {
	if userID == "" {
		return nil, errkind.New(errkind.BadInput, "missing user id")
	}
	if err := key.Validate(true); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "rejected identity key", err)
	}
	hash := key.Thumbprint()

	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[userID]
	if !ok {
		entry = &keyEntry{
			record: identity.PublicKeyRecord{
				UserID:    userID,
				Key:       key.Public(),
				Version:   1,
				KeyHash:   hash,
				CreatedAt: d.clock.Now(),
			},
		}
		d.entries[userID] = entry
		rec := entry.record
		return &rec, nil
	}

	if entry.record.Key.Thumbprint() != entry.record.KeyHash {
		// Stored record no longer matches its tamper hash; refuse key
		// operations until resolved.
		return nil, errkind.Newf(errkind.IntegrityError, "key hash mismatch for %s", userID)
	}
	if entry.record.KeyHash == hash {
		// Idempotent re-upload of the current key.
		rec := entry.record
		return &rec, nil
	}

	entry.previous = append(entry.previous, KeyVersion{
		Version:    entry.record.Version,
		KeyHash:    entry.record.KeyHash,
		ReplacedAt: d.clock.Now(),
	})
	entry.record.Key = key.Public()
	entry.record.Version++
	entry.record.KeyHash = hash
	entry.record.CreatedAt = d.clock.Now()
	rec := entry.record
	return &rec, nil
}

// Get returns a user's current key record after re-verifying the stored
// tamper hash. A mismatch means the stored key was altered out of band.
func (d *KeyDirectory) Get(userID string) (*identity.PublicKeyRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[userID]
	if !ok {
		return nil, errkind.Newf(errkind.SessionNotFound, "no published key for %s", userID)
	}
	if entry.record.Key.Thumbprint() != entry.record.KeyHash {
		return nil, errkind.Newf(errkind.IntegrityError, "key hash mismatch for %s", userID)
	}
	rec := entry.record
	return &rec, nil
}

// History returns the retired generations for a user, oldest first.
func (d *KeyDirectory) History(userID string) []KeyVersion {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.entries[userID]
	if !ok {
		return nil
	}
	out := make([]KeyVersion, len(entry.previous))
	copy(out, entry.previous)
	return out
}
