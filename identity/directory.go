package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

// PublicKeyRecord is the directory's view of a user's current public key.
type PublicKeyRecord struct {
	UserID    string      `json:"userId"`
	Key       *crypto.JWK `json:"publicIdentityKeyJWK"`
	Version   int         `json:"version"`
	KeyHash   string      `json:"keyHash"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Directory publishes and fetches identity public keys. The relay package
// provides the server side; HTTPDirectory is the client.
type Directory interface {
	// Publish upserts the caller's public key. Publishing an unchanged key
	// is a no-op; a changed key bumps the server-side version.
	Publish(ctx context.Context, userID string, key *crypto.JWK) error
	// Fetch returns a user's current public key record, verifying the
	// stored tamper hash.
	Fetch(ctx context.Context, userID string) (*PublicKeyRecord, error)
}

// HTTPDirectory talks to the relay's /keys endpoints.
type HTTPDirectory struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPDirectory creates a directory client with a 10 s request timeout.
func NewHTTPDirectory(baseURL, token string) *HTTPDirectory {
	return &HTTPDirectory{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Publish uploads the public key via POST /keys/upload.
func (d *HTTPDirectory) Publish(ctx context.Context, userID string, key *crypto.JWK) error {
	if err := key.Validate(true); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]interface{}{"publicIdentityKeyJWK": key})
	if err != nil {
		return errkind.Wrap(errkind.BadInput, "key encoding failed", err)
	}
	resp, err := d.do(ctx, http.MethodPost, "/keys/upload", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusBadRequest:
		return errkind.New(errkind.BadInput, "directory rejected key as malformed")
	case http.StatusConflict:
		return errkind.New(errkind.IntegrityError, "directory reports key hash mismatch")
	default:
		return errkind.Newf(errkind.TransportError, "key upload failed with status %d", resp.StatusCode)
	}
}

// Fetch retrieves a user's key via GET /keys/{userId} and re-verifies the
// tamper hash client-side.
func (d *HTTPDirectory) Fetch(ctx context.Context, userID string) (*PublicKeyRecord, error) {
	resp, err := d.do(ctx, http.MethodGet, "/keys/"+userID, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, errkind.Newf(errkind.SessionNotFound, "no published key for %s", userID)
	default:
		return nil, errkind.Newf(errkind.TransportError, "key fetch failed with status %d", resp.StatusCode)
	}

	var rec PublicKeyRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "malformed directory response", err)
	}
	if err := rec.Key.Validate(true); err != nil {
		return nil, err
	}
	if rec.KeyHash != "" && rec.KeyHash != rec.Key.Thumbprint() {
		return nil, errkind.Newf(errkind.IntegrityError, "key hash mismatch for %s", userID)
	}
	return &rec, nil
}

func (d *HTTPDirectory) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.BaseURL+path, reader)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "request build failed", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportError, fmt.Sprintf("directory %s %s unreachable", method, path), err)
	}
	return resp, nil
}
