package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/kep"
	"github.com/securechat/core/session"
)

// FreshnessWindowMillis is the accepted envelope timestamp skew.
const FreshnessWindowMillis = 120_000

// Inbound is a successfully received and decrypted envelope. The plaintext
// buffer belongs to the consumer, who is responsible for scrubbing it.
type Inbound struct {
	Envelope  *Envelope
	Plaintext []byte
}

// Messenger drives the send and receive pipelines for one local user.
type Messenger struct {
	UserID     string
	Store      *session.Store
	Relay      RelayClient
	Handshakes *kep.Manager
	Clock      crypto.TimeProvider
}

// NewMessenger wires a messenger over an unlocked session store.
func NewMessenger(userID string, store *session.Store, relay RelayClient, hs *kep.Manager, tp crypto.TimeProvider) *Messenger {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &Messenger{UserID: userID, Store: store, Relay: relay, Handshakes: hs, Clock: tp}
}

// SendText encrypts and relays a text message on the session.
func (m *Messenger) SendText(ctx context.Context, sessionID string, plaintext []byte) (*Envelope, error) {
	return m.seal(ctx, sessionID, TypeMsg, plaintext, nil)
}

// seal is the shared outbound path for text and file envelopes: allocate a
// sequence number, encrypt under the send key with fresh IV and nonce, and
// hand the envelope to the relay.
func (m *Messenger) seal(ctx context.Context, sessionID string, typ Type, plaintext []byte, meta *FileMeta) (*Envelope, error) {
	var env *Envelope
	_, err := m.Store.Mutate(ctx, m.UserID, sessionID, func(sess *session.Session) error {
		switch sess.State {
		case session.StateActive, session.StateRotating:
		case session.StateClosed:
			return errkind.Newf(errkind.SessionNotFound, "session %s is closed", sessionID)
		default:
			return errkind.Newf(errkind.BadInput, "session %s has no established keys", sessionID)
		}
		if sess.Stale {
			return errkind.Newf(errkind.BadInput, "session %s is stale after identity rotation; renegotiate first", sessionID)
		}

		seq := sess.NextSeq
		sess.NextSeq++

		iv, err := crypto.NewIV()
		if err != nil {
			return err
		}
		nonce, err := crypto.NewNonce()
		if err != nil {
			return err
		}
		ct, tag, err := crypto.Seal(sess.Keys.SendKey, iv, plaintext, associatedData(sessionID, seq))
		if err != nil {
			return err
		}

		env = &Envelope{
			Type:       typ,
			SessionID:  sessionID,
			Sender:     m.UserID,
			Receiver:   sess.PeerID,
			Ciphertext: base64.StdEncoding.EncodeToString(ct),
			IV:         base64.StdEncoding.EncodeToString(iv),
			AuthTag:    base64.StdEncoding.EncodeToString(tag),
			Timestamp:  crypto.NowMillis(m.Clock),
			Seq:        seq,
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Meta:       meta,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.Relay != nil {
		if err := m.Relay.Send(ctx, env); err != nil {
			return nil, err
		}
	}
	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"type":       env.Type,
		"seq":        env.Seq,
	}).Debug("Envelope sent")
	return env, nil
}

// Receive validates, replay-checks and decrypts an inbound envelope. The
// session's lastSeq and used-nonce ring advance atomically with acceptance;
// any rejection leaves the session untouched.
func (m *Messenger) Receive(ctx context.Context, env *Envelope) (*Inbound, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if !env.Type.carriesCiphertext() {
		return nil, errkind.New(errkind.BadInput, "handshake envelopes are routed, not received")
	}

	now := crypto.NowMillis(m.Clock)
	delta := now - env.Timestamp
	if delta < 0 {
		delta = -delta
	}
	if delta > FreshnessWindowMillis {
		m.Store.ReportReplay(env.SessionID, env.Seq, "stale")
		return nil, errkind.New(errkind.ReplayDetected, "stale timestamp")
	}

	var plaintext []byte
	_, err := m.Store.Mutate(ctx, m.UserID, env.SessionID, func(sess *session.Session) error {
		switch sess.State {
		case session.StateActive, session.StateRotating:
		case session.StateClosed:
			return errkind.Newf(errkind.SessionNotFound, "session %s is closed", env.SessionID)
		default:
			// No key material yet; a failed decrypt here would be noise,
			// not tampering.
			return errkind.Newf(errkind.BadInput, "session %s has no established keys", env.SessionID)
		}

		if env.Seq <= sess.LastSeq {
			return errkind.New(errkind.ReplayDetected, "seq")
		}
		iv, ct, tag, nonce := env.binary()
		if len(nonce) < crypto.MinNonceSize || len(nonce) > crypto.MaxNonceSize {
			return errkind.New(errkind.ReplayDetected, "nonce-size")
		}
		nonceHash := env.NonceHash()
		if sess.UsedNonces.Seen(nonceHash) {
			return errkind.New(errkind.ReplayDetected, "duplicate-nonce")
		}

		aad := associatedData(env.SessionID, env.Seq)
		pt, err := crypto.Open(sess.Keys.RecvKey, iv, ct, tag, aad)
		if err != nil && sess.Prev != nil {
			// One-step key tolerance: an envelope in flight across a
			// rotation gets a single retry against the previous
			// generation.
			if ptPrev, errPrev := crypto.Open(sess.Prev.RecvKey, iv, ct, tag, aad); errPrev == nil {
				if env.Seq <= sess.PrevLastSeq {
					return errkind.New(errkind.ReplayDetected, "seq")
				}
				sess.PrevLastSeq = env.Seq
				sess.UsedNonces.Record(nonceHash)
				plaintext = ptPrev
				return nil
			}
		}
		if err != nil {
			return errkind.Wrap(errkind.MITMDetected, "auth-tag", err)
		}

		sess.LastSeq = env.Seq
		sess.UsedNonces.Record(nonceHash)
		// The peer is provably on the current generation; the tolerance
		// window is over.
		if sess.Prev != nil {
			sess.DropPrev()
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		switch errkind.Of(err) {
		case errkind.ReplayDetected:
			m.Store.ReportReplay(env.SessionID, env.Seq, errkind.Message(err))
		case errkind.MITMDetected:
			m.Store.ReportInvalidSignature(env.SessionID, errkind.Message(err))
		}
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"session_id": env.SessionID,
		"type":       env.Type,
		"seq":        env.Seq,
	}).Debug("Envelope accepted")
	return &Inbound{Envelope: env, Plaintext: plaintext}, nil
}

// HandleEnvelope routes an inbound envelope by type: handshake envelopes go
// to the KEP manager (possibly yielding an outbound response envelope);
// message and file envelopes go through Receive.
func (m *Messenger) HandleEnvelope(ctx context.Context, env *Envelope) (*Inbound, *Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, nil, err
	}

	switch env.Type {
	case TypeKEPInit, TypeKeyUpdate:
		var init kep.Init
		if err := json.Unmarshal(env.KEP, &init); err != nil {
			return nil, nil, errkind.Wrap(errkind.BadInput, "malformed handshake payload", err)
		}
		resp, err := m.Handshakes.HandleInit(ctx, &init)
		if err != nil || resp == nil {
			return nil, nil, err
		}
		out, err := NewHandshakeEnvelope(TypeKEPResponse, resp.SessionID, m.UserID, init.Initiator, resp, m.Clock)
		if err != nil {
			return nil, nil, err
		}
		if m.Relay != nil {
			if err := m.Relay.Send(ctx, out); err != nil {
				return nil, nil, err
			}
		}
		return nil, out, nil

	case TypeKEPResponse:
		var resp kep.Response
		if err := json.Unmarshal(env.KEP, &resp); err != nil {
			return nil, nil, errkind.Wrap(errkind.BadInput, "malformed handshake payload", err)
		}
		return nil, nil, m.Handshakes.HandleResponse(ctx, &resp)

	default:
		in, err := m.Receive(ctx, env)
		return in, nil, err
	}
}

// StartHandshake initiates KEP (or a key update) toward peerID and relays
// the round-1 envelope.
func (m *Messenger) StartHandshake(ctx context.Context, sessionID, peerID string, rotation bool) (*Envelope, error) {
	init, err := m.Handshakes.Start(ctx, sessionID, peerID, rotation)
	if err != nil {
		return nil, err
	}
	typ := TypeKEPInit
	if rotation {
		typ = TypeKeyUpdate
	}
	env, err := NewHandshakeEnvelope(typ, sessionID, m.UserID, peerID, init, m.Clock)
	if err != nil {
		return nil, err
	}
	if m.Relay != nil {
		if err := m.Relay.Send(ctx, env); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// NewHandshakeEnvelope wraps a KEP payload for the wire.
func NewHandshakeEnvelope(typ Type, sessionID, sender, receiver string, payload interface{}, tp crypto.TimeProvider) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Wrap(errkind.BadInput, "handshake payload encoding failed", err)
	}
	return &Envelope{
		Type:      typ,
		SessionID: sessionID,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: crypto.NowMillis(tp),
		KEP:       raw,
	}, nil
}
