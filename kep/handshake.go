package kep

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"time"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/session"
)

const (
	// TimestampWindow is the accepted clock skew for handshake rounds.
	TimestampWindow = 2 * time.Minute
	// RoundTimeout is how long the initiator waits for a response before
	// the pending handshake is abandoned.
	RoundTimeout = 30 * time.Second

	rootKeyInfo    = "SecureChat/root/v1"
	storageKeyInfo = "self-storage/v1"
)

// Pending is the initiator's half-open handshake: the ephemeral private key
// and round-1 parameters needed to finalize when the response arrives.
type Pending struct {
	SessionID string
	Initiator string
	Responder string
	Rotation  bool
	Deadline  time.Time

	ephPriv *ecdh.PrivateKey
	ephPub  []byte
	ts1     int64
}

// Initiate builds round 1. The ephemeral private key stays inside the
// returned Pending until Finalize or Abandon.
func Initiate(sessionID, initiator, responder string, idPriv *ecdsa.PrivateKey, rotation bool, tp crypto.TimeProvider) (*Init, *Pending, error) {
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, nil, err
	}
	ephJWK, err := crypto.JWKFromECDHPublic(eph.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	ts1 := crypto.NowMillis(tp)

	sig, err := crypto.Sign(idPriv, initTranscript(sessionID, initiator, responder, eph.PublicKey().Bytes(), ts1))
	if err != nil {
		return nil, nil, err
	}

	init := &Init{
		SessionID: sessionID,
		Initiator: initiator,
		Responder: responder,
		Ephemeral: ephJWK,
		Timestamp: ts1,
		Signature: sig,
		Rotation:  rotation,
	}
	pending := &Pending{
		SessionID: sessionID,
		Initiator: initiator,
		Responder: responder,
		Rotation:  rotation,
		Deadline:  nowFrom(tp).Add(RoundTimeout),
		ephPriv:   eph,
		ephPub:    eph.PublicKey().Bytes(),
		ts1:       ts1,
	}
	return init, pending, nil
}

// Respond verifies round 1 and builds round 2, returning the responder's
// derived key generation. The responder's ephemeral private key never leaves
// this function.
func Respond(init *Init, responderPriv *ecdsa.PrivateKey, initiatorPub *ecdsa.PublicKey, tp crypto.TimeProvider) (*Response, session.Keys, error) {
	if err := checkFreshness(init.Timestamp, tp); err != nil {
		return nil, session.Keys{}, err
	}
	eaPub, err := crypto.ECDHPublicFromJWK(init.Ephemeral)
	if err != nil {
		return nil, session.Keys{}, err
	}
	m1 := initTranscript(init.SessionID, init.Initiator, init.Responder, eaPub.Bytes(), init.Timestamp)
	if !crypto.Verify(initiatorPub, m1, init.Signature) {
		return nil, session.Keys{}, errkind.New(errkind.MITMDetected, "round-1 signature verification failed")
	}

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, session.Keys{}, err
	}
	ebJWK, err := crypto.JWKFromECDHPublic(eph.PublicKey())
	if err != nil {
		return nil, session.Keys{}, err
	}
	ts2 := crypto.NowMillis(tp)

	z, err := crypto.SharedSecret(eph, eaPub)
	if err != nil {
		return nil, session.Keys{}, err
	}
	defer crypto.Wipe(z)

	keys, err := deriveKeys(z, init.Timestamp, ts2, init.Initiator, init.Responder, false)
	if err != nil {
		return nil, session.Keys{}, err
	}

	m2 := responseTranscript(init.SessionID, init.Initiator, init.Responder, eaPub.Bytes(), eph.PublicKey().Bytes(), init.Timestamp, ts2)
	sig, err := crypto.Sign(responderPriv, m2)
	if err != nil {
		return nil, session.Keys{}, err
	}

	resp := &Response{
		SessionID: init.SessionID,
		Initiator: init.Initiator,
		Responder: init.Responder,
		Ephemeral: ebJWK,
		Timestamp: ts2,
		Signature: sig,
		Rotation:  init.Rotation,
	}
	return resp, keys, nil
}

// Finalize verifies round 2 against the pending round-1 state and derives
// the initiator's key generation. The ephemeral private key is released
// regardless of outcome.
func (p *Pending) Finalize(resp *Response, responderPub *ecdsa.PublicKey, tp crypto.TimeProvider) (session.Keys, error) {
	defer p.Abandon()

	if nowFrom(tp).After(p.Deadline) {
		return session.Keys{}, errkind.New(errkind.MITMDetected, "handshake round timed out")
	}
	if err := checkFreshness(resp.Timestamp, tp); err != nil {
		return session.Keys{}, err
	}
	ebPub, err := crypto.ECDHPublicFromJWK(resp.Ephemeral)
	if err != nil {
		return session.Keys{}, err
	}
	m2 := responseTranscript(p.SessionID, p.Initiator, p.Responder, p.ephPub, ebPub.Bytes(), p.ts1, resp.Timestamp)
	if !crypto.Verify(responderPub, m2, resp.Signature) {
		return session.Keys{}, errkind.New(errkind.MITMDetected, "round-2 signature verification failed")
	}

	z, err := crypto.SharedSecret(p.ephPriv, ebPub)
	if err != nil {
		return session.Keys{}, err
	}
	defer crypto.Wipe(z)

	return deriveKeys(z, p.ts1, resp.Timestamp, p.Initiator, p.Responder, true)
}

// Abandon discards the pending handshake. crypto/ecdh only ever hands out
// copies of the scalar, so the key is released to the collector rather than
// scrubbed in place.
func (p *Pending) Abandon() {
	p.ephPriv = nil
}

// deriveKeys computes the root key and the role-appropriate directional
// keys. Self-storage sessions (initiator == responder) collapse both
// directions onto a single storage key.
func deriveKeys(z []byte, ts1, ts2 int64, initiator, responder string, isInitiator bool) (session.Keys, error) {
	salt := append(be64(ts1), be64(ts2)...)
	root, err := crypto.DeriveKey(z, salt, rootKeyInfo)
	if err != nil {
		return session.Keys{}, err
	}

	if initiator == responder {
		storage, err := crypto.DeriveKey(root, nil, storageKeyInfo)
		if err != nil {
			return session.Keys{}, err
		}
		return session.Keys{RootKey: root, SendKey: storage, RecvKey: storage}, nil
	}

	initToResp, err := crypto.DeriveKey(root, nil, initiator+"→"+responder+"/v1")
	if err != nil {
		return session.Keys{}, err
	}
	respToInit, err := crypto.DeriveKey(root, nil, responder+"→"+initiator+"/v1")
	if err != nil {
		return session.Keys{}, err
	}

	if isInitiator {
		return session.Keys{RootKey: root, SendKey: initToResp, RecvKey: respToInit}, nil
	}
	return session.Keys{RootKey: root, SendKey: respToInit, RecvKey: initToResp}, nil
}

func checkFreshness(tsMillis int64, tp crypto.TimeProvider) error {
	now := crypto.NowMillis(tp)
	delta := now - tsMillis
	if delta < 0 {
		delta = -delta
	}
	if delta > TimestampWindow.Milliseconds() {
		return errkind.Newf(errkind.MITMDetected, "handshake timestamp outside ±%s window", TimestampWindow)
	}
	return nil
}

func nowFrom(tp crypto.TimeProvider) time.Time {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return tp.Now()
}
