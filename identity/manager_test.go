package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securechat/core/crypto"
)

// fakeDirectory records publications and mimics the server's versioning
// behavior: version bumps only when the key hash changes.
type fakeDirectory struct {
	records  map[string]*PublicKeyRecord
	publishN int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{records: make(map[string]*PublicKeyRecord)}
}

func (d *fakeDirectory) Publish(_ context.Context, userID string, key *crypto.JWK) error {
	d.publishN++
	if err := key.Validate(true); err != nil {
		return err
	}
	rec, ok := d.records[userID]
	if !ok {
		d.records[userID] = &PublicKeyRecord{UserID: userID, Key: key, Version: 1, KeyHash: key.Thumbprint()}
		return nil
	}
	if rec.KeyHash == key.Thumbprint() {
		return nil
	}
	rec.Version++
	rec.Key = key
	rec.KeyHash = key.Thumbprint()
	return nil
}

func (d *fakeDirectory) Fetch(_ context.Context, userID string) (*PublicKeyRecord, error) {
	return d.records[userID], nil
}

type fakeStaleMarker struct{ called int }

func (s *fakeStaleMarker) MarkAllStale(string) error {
	s.called++
	return nil
}

func TestBootstrapGeneratesOnce(t *testing.T) {
	v, err := NewVault(t.TempDir())
	require.NoError(t, err)
	dir := newFakeDirectory()
	m := &Manager{UserID: "alice", Vault: v, Directory: dir}

	priv1, err := m.Bootstrap(context.Background(), []byte("pw"))
	require.NoError(t, err)
	require.NotNil(t, priv1)
	assert.Equal(t, 1, dir.records["alice"].Version)

	// Second bootstrap unwraps the same key rather than generating.
	priv2, err := m.Bootstrap(context.Background(), []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, 0, priv1.D.Cmp(priv2.D))
	assert.Equal(t, 1, dir.records["alice"].Version, "republish of same key must not bump version")
}

func TestRotatePublishesAndMarksStale(t *testing.T) {
	v, err := NewVault(t.TempDir())
	require.NoError(t, err)
	dir := newFakeDirectory()
	stale := &fakeStaleMarker{}
	m := &Manager{UserID: "alice", Vault: v, Directory: dir, Sessions: stale}

	_, err = m.Bootstrap(context.Background(), []byte("pw"))
	require.NoError(t, err)
	firstHash := dir.records["alice"].KeyHash

	kp, err := m.Rotate(context.Background(), []byte("pw"))
	require.NoError(t, err)

	assert.Equal(t, 2, dir.records["alice"].Version)
	assert.NotEqual(t, firstHash, dir.records["alice"].KeyHash)
	assert.Equal(t, kp.Thumbprint(), dir.records["alice"].KeyHash)
	assert.Equal(t, 1, stale.called, "rotation must mark sessions stale")

	// The vault now holds the new key.
	w, err := v.Load("alice")
	require.NoError(t, err)
	priv, err := Unwrap(w, []byte("pw"))
	require.NoError(t, err)
	assert.Equal(t, 0, kp.Private.D.Cmp(priv.D))
}
