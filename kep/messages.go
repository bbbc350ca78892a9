package kep

import (
	"encoding/binary"

	"github.com/securechat/core/crypto"
)

// Init is the first handshake round, sent by the initiator. The signature
// covers sessionId || initiator || responder || ephemeral || ts1 under the
// initiator's long-term identity key.
type Init struct {
	SessionID string      `json:"sessionId"`
	Initiator string      `json:"initiator"`
	Responder string      `json:"responder"`
	Ephemeral *crypto.JWK `json:"ephemeral"`
	Timestamp int64       `json:"timestamp"`
	Signature []byte      `json:"signature"`
	// Rotation marks this init as a mid-session key update rather than a
	// first handshake.
	Rotation bool `json:"rotation,omitempty"`
}

// Response is the second round, sent by the responder. The signature covers
// the full transcript: sessionId || initiator || responder || eA || eB ||
// ts1 || ts2 under the responder's identity key.
type Response struct {
	SessionID string      `json:"sessionId"`
	Initiator string      `json:"initiator"`
	Responder string      `json:"responder"`
	Ephemeral *crypto.JWK `json:"ephemeral"`
	Timestamp int64       `json:"timestamp"`
	Signature []byte      `json:"signature"`
	Rotation  bool        `json:"rotation,omitempty"`
}

func be64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// initTranscript is the byte string signed in round 1.
func initTranscript(sessionID, initiator, responder string, ephemeral []byte, ts1 int64) []byte {
	out := make([]byte, 0, len(sessionID)+len(initiator)+len(responder)+len(ephemeral)+8)
	out = append(out, sessionID...)
	out = append(out, initiator...)
	out = append(out, responder...)
	out = append(out, ephemeral...)
	out = append(out, be64(ts1)...)
	return out
}

// responseTranscript is the byte string signed in round 2. It binds both
// ephemerals and both timestamps, so neither round can be replayed or
// substituted independently.
func responseTranscript(sessionID, initiator, responder string, eA, eB []byte, ts1, ts2 int64) []byte {
	out := make([]byte, 0, len(sessionID)+len(initiator)+len(responder)+len(eA)+len(eB)+16)
	out = append(out, sessionID...)
	out = append(out, initiator...)
	out = append(out, responder...)
	out = append(out, eA...)
	out = append(out, eB...)
	out = append(out, be64(ts1)...)
	out = append(out, be64(ts2)...)
	return out
}
