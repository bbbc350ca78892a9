package transport

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

// Type tags the envelope variant. Invalid combinations are rejected at
// parse, not at use.
type Type string

const (
	TypeMsg         Type = "MSG"
	TypeFileMeta    Type = "FILE_META"
	TypeFileChunk   Type = "FILE_CHUNK"
	TypeKEPInit     Type = "KEP_INIT"
	TypeKEPResponse Type = "KEP_RESPONSE"
	TypeKeyUpdate   Type = "KEY_UPDATE"
)

// valid reports whether t is a known envelope type.
func (t Type) valid() bool {
	switch t {
	case TypeMsg, TypeFileMeta, TypeFileChunk, TypeKEPInit, TypeKEPResponse, TypeKeyUpdate:
		return true
	}
	return false
}

// carriesCiphertext reports whether the type transports encrypted payload
// (handshake envelopes carry a signed cleartext payload instead: no session
// keys exist yet).
func (t Type) carriesCiphertext() bool {
	switch t {
	case TypeMsg, TypeFileMeta, TypeFileChunk:
		return true
	}
	return false
}

// FileMeta is the file-variant extension of the envelope.
type FileMeta struct {
	FileID      string `json:"fileId,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Mimetype    string `json:"mimetype,omitempty"`
	TotalChunks int    `json:"totalChunks"`
	ChunkIndex  int    `json:"chunkIndex"`
}

// Envelope is the wire unit, JSON over the relay WebSocket (or the HTTPS
// fallback). All binary fields are standard padded base64.
type Envelope struct {
	Type       Type   `json:"type"`
	SessionID  string `json:"sessionId"`
	Sender     string `json:"sender"`
	Receiver   string `json:"receiver"`
	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
	AuthTag    string `json:"authTag,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Seq        uint64 `json:"seq,omitempty"`
	Nonce      string `json:"nonce,omitempty"`

	Meta *FileMeta `json:"meta,omitempty"`
	// KEP carries the handshake payload for KEP_INIT, KEP_RESPONSE and
	// KEY_UPDATE envelopes.
	KEP json.RawMessage `json:"kep,omitempty"`
}

// Validate checks structure: all required fields present, binary fields
// decodable with correct lengths, type in the known set. It deliberately
// does not judge freshness, ordering or nonce size; those are replay checks
// with their own error kind.
func (e *Envelope) Validate() error {
	if e == nil {
		return errkind.New(errkind.BadInput, "nil envelope")
	}
	if !e.Type.valid() {
		return errkind.Newf(errkind.BadInput, "unknown envelope type %q", e.Type)
	}
	if e.SessionID == "" || e.Sender == "" || e.Receiver == "" {
		return errkind.New(errkind.BadInput, "missing addressing fields")
	}
	if e.Timestamp <= 0 {
		return errkind.New(errkind.BadInput, "missing timestamp")
	}

	if !e.Type.carriesCiphertext() {
		if len(e.KEP) == 0 {
			return errkind.New(errkind.BadInput, "handshake envelope missing payload")
		}
		return nil
	}

	if e.Seq < 1 {
		return errkind.New(errkind.BadInput, "sequence number must be positive")
	}
	if e.Ciphertext == "" || e.IV == "" || e.AuthTag == "" || e.Nonce == "" {
		return errkind.New(errkind.BadInput, "missing cryptographic fields")
	}
	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil || len(iv) != crypto.IVSize {
		return errkind.New(errkind.BadInput, "malformed iv")
	}
	tag, err := base64.StdEncoding.DecodeString(e.AuthTag)
	if err != nil || len(tag) != crypto.TagSize {
		return errkind.New(errkind.BadInput, "malformed auth tag")
	}
	if _, err := base64.StdEncoding.DecodeString(e.Ciphertext); err != nil {
		return errkind.New(errkind.BadInput, "malformed ciphertext")
	}
	if _, err := base64.StdEncoding.DecodeString(e.Nonce); err != nil {
		return errkind.New(errkind.BadInput, "malformed nonce")
	}

	switch e.Type {
	case TypeFileMeta:
		if e.Meta == nil || e.Meta.FileID == "" || e.Meta.TotalChunks < 0 {
			return errkind.New(errkind.BadInput, "file meta envelope missing meta")
		}
	case TypeFileChunk:
		if e.Meta == nil || e.Meta.FileID == "" || e.Meta.TotalChunks < 1 || e.Meta.ChunkIndex < 0 || e.Meta.ChunkIndex >= e.Meta.TotalChunks {
			return errkind.New(errkind.BadInput, "file chunk envelope missing or inconsistent meta")
		}
	}
	return nil
}

// binary decodes the envelope's base64 fields. Callers run Validate first.
func (e *Envelope) binary() (iv, ct, tag, nonce []byte) {
	iv, _ = base64.StdEncoding.DecodeString(e.IV)
	ct, _ = base64.StdEncoding.DecodeString(e.Ciphertext)
	tag, _ = base64.StdEncoding.DecodeString(e.AuthTag)
	nonce, _ = base64.StdEncoding.DecodeString(e.Nonce)
	return
}

// NonceHash returns the hex SHA-256 of the envelope nonce, the value the
// used-nonce ring and the relay's uniqueness index both key on.
func (e *Envelope) NonceHash() string {
	nonce, _ := base64.StdEncoding.DecodeString(e.Nonce)
	sum := crypto.SHA256(nonce)
	return hex.EncodeToString(sum[:])
}

// associatedData binds an envelope's ciphertext to its session and sequence
// number: sessionId || seq as 8-byte big-endian.
func associatedData(sessionID string, seq uint64) []byte {
	out := make([]byte, 0, len(sessionID)+8)
	out = append(out, sessionID...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(out, b[:]...)
}
