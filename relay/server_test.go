package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/identity"
	"github.com/securechat/core/transport"
)

const testSecret = "relay-test-secret"

func bearerToken(t *testing.T, sub string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(Config{
		ListenAddr:   ":0",
		JWTSecret:    testSecret,
		RequireHTTPS: false,
	}, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServerRejectsUnauthenticated(t *testing.T) {
	_, ts := newTestServer(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/keys/me", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/keys/me", "not-a-jwt", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerRequiresHTTPS(t *testing.T) {
	srv := NewServer(Config{JWTSecret: testSecret, RequireHTTPS: true}, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A terminating proxy marks the original scheme.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Forwarded-Proto", "https")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// The identity package's HTTP directory client runs against the real key
// endpoints here.
func TestServerKeyEndpoints(t *testing.T) {
	_, ts := newTestServer(t)
	ctx := context.Background()

	kp, err := identity.Generate()
	require.NoError(t, err)

	dir := identity.NewHTTPDirectory(ts.URL, bearerToken(t, "alice"))
	require.NoError(t, dir.Publish(ctx, "alice", kp.Public))

	// Idempotent republish.
	require.NoError(t, dir.Publish(ctx, "alice", kp.Public))

	rec, err := dir.Fetch(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Version)
	assert.Equal(t, kp.Public.Thumbprint(), rec.KeyHash)
	assert.Empty(t, rec.Key.D, "published keys must never expose a private component")

	_, err = dir.Fetch(ctx, "nobody")
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.SessionNotFound))

	// GET /keys/me returns the caller's record.
	resp := doJSON(t, http.MethodGet, ts.URL+"/keys/me", bearerToken(t, "alice"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me identity.PublicKeyRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "alice", me.UserID)
}

func TestServerKeyUploadRejectsPrivateComponent(t *testing.T) {
	_, ts := newTestServer(t)

	kp, err := identity.Generate()
	require.NoError(t, err)
	leaky := crypto.PrivateJWKFromECDSA(kp.Private)

	resp := doJSON(t, http.MethodPost, ts.URL+"/keys/upload", bearerToken(t, "alice"), map[string]*crypto.JWK{
		"publicIdentityKeyJWK": leaky,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerSessionEndpoints(t *testing.T) {
	_, ts := newTestServer(t)
	alice := bearerToken(t, "alice")

	resp := doJSON(t, http.MethodPost, ts.URL+"/sessions", alice, map[string]string{
		"userId1": "alice",
		"userId2": "bob",
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var established struct {
		Session SessionRecord `json:"session"`
		IsNew   bool          `json:"isNew"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&established))
	assert.True(t, established.IsNew)
	sessionID := established.Session.SessionID
	require.NotEmpty(t, sessionID)

	// Repeat from the other side: same id, not new.
	resp = doJSON(t, http.MethodPost, ts.URL+"/sessions", bearerToken(t, "bob"), map[string]string{
		"userId1": "bob",
		"userId2": "alice",
	})
	defer resp.Body.Close()
	var again struct {
		Session SessionRecord `json:"session"`
		IsNew   bool          `json:"isNew"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&again))
	assert.False(t, again.IsNew)
	assert.Equal(t, sessionID, again.Session.SessionID)

	// A third party cannot establish on their behalf.
	resp = doJSON(t, http.MethodPost, ts.URL+"/sessions", bearerToken(t, "mallory"), map[string]string{
		"userId1": "alice",
		"userId2": "bob",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Metadata reads.
	resp = doJSON(t, http.MethodGet, ts.URL+"/sessions/"+sessionID, alice, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/sessions/"+sessionID, bearerToken(t, "mallory"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerMessageRelayFallback(t *testing.T) {
	srv, ts := newTestServer(t)
	alice := bearerToken(t, "alice")

	env := msgEnvelope(t, "sess-http", "alice", "bob", 1)
	resp := doJSON(t, http.MethodPost, ts.URL+"/messages/relay", alice, map[string]*transport.Envelope{"envelope": env})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The metadata gate persisted it, undelivered (bob is offline).
	metas := srv.meta.ListSession("sess-http")
	require.Len(t, metas, 1)
	assert.False(t, metas[0].Delivered)
	assert.Equal(t, env.NonceHash(), metas[0].NonceHash)

	// Replaying the same envelope is a conflict.
	resp = doJSON(t, http.MethodPost, ts.URL+"/messages/relay", alice, map[string]*transport.Envelope{"envelope": env})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The sender field must match the authenticated user.
	forged := msgEnvelope(t, "sess-http", "bob", "alice", 1)
	resp = doJSON(t, http.MethodPost, ts.URL+"/messages/relay", alice, map[string]*transport.Envelope{"envelope": forged})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerFileEndpoints(t *testing.T) {
	srv, ts := newTestServer(t)
	alice := bearerToken(t, "alice")
	bob := bearerToken(t, "bob")

	// The pair needs a session before file uploads resolve a receiver.
	rec, _, err := srv.sessions.Establish("alice", "bob")
	require.NoError(t, err)

	meta := msgEnvelope(t, rec.SessionID, "alice", "bob", 1)
	upload := fileUploadRequest{
		FileID:        "file-1",
		TotalChunks:   2,
		EncryptedData: meta.Ciphertext,
		IV:            meta.IV,
		AuthTag:       meta.AuthTag,
		SessionID:     rec.SessionID,
		Timestamp:     meta.Timestamp,
		Seq:           1,
		Nonce:         meta.Nonce,
		Filename:      "doc.pdf",
		Size:          100000,
		Mimetype:      "application/pdf",
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/files/upload", alice, upload)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	for i := 0; i < 2; i++ {
		chunk := msgEnvelope(t, rec.SessionID, "alice", "bob", uint64(2+i))
		resp := doJSON(t, http.MethodPost, ts.URL+"/files/upload", alice, fileUploadRequest{
			FileID:        "file-1",
			ChunkIndex:    i,
			TotalChunks:   2,
			EncryptedData: chunk.Ciphertext,
			IV:            chunk.IV,
			AuthTag:       chunk.AuthTag,
			SessionID:     rec.SessionID,
			Timestamp:     chunk.Timestamp,
			Seq:           chunk.Seq,
			Nonce:         chunk.Nonce,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/files/file-1", bob, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary struct {
		TotalChunks int  `json:"totalChunks"`
		Complete    bool `json:"complete"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&summary))
	assert.Equal(t, 2, summary.TotalChunks)
	assert.True(t, summary.Complete)

	resp = doJSON(t, http.MethodGet, ts.URL+"/files/file-1/chunk/1", bob, nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunkEnv transport.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chunkEnv))
	assert.Equal(t, transport.TypeFileChunk, chunkEnv.Type)
	assert.Equal(t, 1, chunkEnv.Meta.ChunkIndex)

	// Outsiders cannot read the transfer.
	resp = doJSON(t, http.MethodGet, ts.URL+"/files/file-1", bearerToken(t, "mallory"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
