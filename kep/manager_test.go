package kep

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/identity"
	"github.com/securechat/core/session"
)

type memDirectory struct {
	keys map[string]*crypto.JWK
}

func (d *memDirectory) Publish(_ context.Context, userID string, key *crypto.JWK) error {
	d.keys[userID] = key
	return nil
}

func (d *memDirectory) Fetch(_ context.Context, userID string) (*identity.PublicKeyRecord, error) {
	key := d.keys[userID]
	return &identity.PublicKeyRecord{UserID: userID, Key: key, Version: 1, KeyHash: key.Thumbprint()}, nil
}

type peer struct {
	id    string
	priv  *ecdsa.PrivateKey
	store *session.Store
	mgr   *Manager
}

func newPeer(t *testing.T, id string, dir *memDirectory, clock crypto.TimeProvider) *peer {
	t.Helper()
	priv, err := crypto.GenerateSigningKey()
	require.NoError(t, err)
	dir.keys[id] = crypto.PublicJWKFromECDSA(&priv.PublicKey)

	store, err := session.NewStore(t.TempDir(), clock)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Unlock(id, []byte("pw-"+id)))

	return &peer{
		id:    id,
		priv:  priv,
		store: store,
		mgr:   NewManager(id, priv, store, dir, clock),
	}
}

func TestManagerEndToEnd(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)
	bob := newPeer(t, "bob", dir, clock)

	init, err := alice.mgr.Start(ctx, "sess-1", "bob", false)
	require.NoError(t, err)

	resp, err := bob.mgr.HandleInit(ctx, init)
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.NoError(t, alice.mgr.HandleResponse(ctx, resp))

	aSess, err := alice.store.Load("alice", "sess-1")
	require.NoError(t, err)
	bSess, err := bob.store.Load("bob", "sess-1")
	require.NoError(t, err)

	assert.Equal(t, session.StateActive, aSess.State)
	assert.Equal(t, session.StateActive, bSess.State)
	assert.Equal(t, aSess.Keys.SendKey, bSess.Keys.RecvKey)
	assert.Equal(t, aSess.Keys.RecvKey, bSess.Keys.SendKey)
	assert.Equal(t, aSess.Keys.RootKey, bSess.Keys.RootKey)
	assert.Equal(t, uint64(0), aSess.LastSeq)
	assert.Equal(t, uint64(1), aSess.NextSeq)
}

func TestManagerRotationRetainsToleranceWindow(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)
	bob := newPeer(t, "bob", dir, clock)

	// Initial handshake.
	init, err := alice.mgr.Start(ctx, "sess-1", "bob", false)
	require.NoError(t, err)
	resp, err := bob.mgr.HandleInit(ctx, init)
	require.NoError(t, err)
	require.NoError(t, alice.mgr.HandleResponse(ctx, resp))

	before, err := alice.store.Load("alice", "sess-1")
	require.NoError(t, err)

	// Rotation.
	update, err := alice.mgr.Start(ctx, "sess-1", "bob", true)
	require.NoError(t, err)
	require.True(t, update.Rotation)
	resp2, err := bob.mgr.HandleInit(ctx, update)
	require.NoError(t, err)
	require.NoError(t, alice.mgr.HandleResponse(ctx, resp2))

	after, err := alice.store.Load("alice", "sess-1")
	require.NoError(t, err)

	assert.NotEqual(t, before.Keys.RootKey, after.Keys.RootKey)
	require.NotNil(t, after.Prev, "previous generation kept for the tolerance window")
	assert.Equal(t, before.Keys.RecvKey, after.Prev.RecvKey)
	assert.Equal(t, uint64(1), after.NextSeq, "counters reset on rotation")
}

func TestManagerRotationUnknownSession(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)

	_, err := alice.mgr.Start(ctx, "sess-unknown", "bob", true)
	assert.Error(t, err)
}

func TestManagerSimultaneousInitiationTieBreak(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)
	bob := newPeer(t, "bob", dir, clock)

	aliceInit, err := alice.mgr.Start(ctx, "sess-1", "bob", false)
	require.NoError(t, err)
	bobInit, err := bob.mgr.Start(ctx, "sess-1", "alice", false)
	require.NoError(t, err)

	// "alice" sorts before "bob", so alice's handshake wins: alice ignores
	// bob's init, bob adopts alice's.
	ignored, err := alice.mgr.HandleInit(ctx, bobInit)
	require.NoError(t, err)
	assert.Nil(t, ignored, "winner ignores the losing init")

	resp, err := bob.mgr.HandleInit(ctx, aliceInit)
	require.NoError(t, err)
	require.NotNil(t, resp, "loser adopts the winning handshake")

	require.NoError(t, alice.mgr.HandleResponse(ctx, resp))

	aSess, err := alice.store.Load("alice", "sess-1")
	require.NoError(t, err)
	bSess, err := bob.store.Load("bob", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, aSess.Keys.SendKey, bSess.Keys.RecvKey)
}

func TestManagerRejectsUnexpectedResponse(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)

	err := alice.mgr.HandleResponse(ctx, &Response{SessionID: "sess-never-started"})
	assert.Error(t, err)
}

func TestManagerMITMFiresCallbackAndPersistsNothing(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)
	bob := newPeer(t, "bob", dir, clock)

	var events []string
	bob.store.SetCallbacks(session.SecurityCallbacks{
		OnInvalidSignature: func(id, details string) { events = append(events, id) },
	})

	init, err := alice.mgr.Start(ctx, "sess-1", "bob", false)
	require.NoError(t, err)

	attacker, err := crypto.GenerateEphemeral()
	require.NoError(t, err)
	swapped, err := crypto.JWKFromECDHPublic(attacker.PublicKey())
	require.NoError(t, err)
	init.Ephemeral = swapped

	_, err = bob.mgr.HandleInit(ctx, init)
	require.Error(t, err)
	assert.Equal(t, []string{"sess-1"}, events)

	// No session state persisted on bob's side.
	sessions, err := bob.store.ListByUser("bob")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestManagerSweepExpired(t *testing.T) {
	ctx := context.Background()
	clock := &fixedClock{now: time.Now()}
	dir := &memDirectory{keys: make(map[string]*crypto.JWK)}
	alice := newPeer(t, "alice", dir, clock)

	_, err := alice.mgr.Start(ctx, "sess-1", "bob", false)
	require.NoError(t, err)

	clock.now = clock.now.Add(RoundTimeout + time.Second)
	alice.mgr.SweepExpired()

	err = alice.mgr.HandleResponse(ctx, &Response{SessionID: "sess-1"})
	assert.Error(t, err, "expired pending must have been dropped")
}
