package kep

import (
	"context"
	"crypto/ecdsa"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
	"github.com/securechat/core/identity"
	"github.com/securechat/core/session"
)

// Manager drives handshakes for one local user: it tracks pending
// initiations, resolves simultaneous-initiation ties, verifies peer
// identities through the directory, and applies completed handshakes to the
// session store as a single atomic mutation.
type Manager struct {
	UserID    string
	Priv      *ecdsa.PrivateKey
	Store     *session.Store
	Directory identity.Directory
	Clock     crypto.TimeProvider

	mu      sync.Mutex
	pending map[string]*Pending
}

// NewManager creates a handshake manager for the local user.
func NewManager(userID string, priv *ecdsa.PrivateKey, store *session.Store, dir identity.Directory, tp crypto.TimeProvider) *Manager {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &Manager{
		UserID:    userID,
		Priv:      priv,
		Store:     store,
		Directory: dir,
		Clock:     tp,
		pending:   make(map[string]*Pending),
	}
}

// Start initiates a handshake (or, with rotation set, a key update) toward
// peerID on the given session. The session record is created if absent.
func (m *Manager) Start(ctx context.Context, sessionID, peerID string, rotation bool) (*Init, error) {
	if err := m.ensureSession(ctx, sessionID, peerID, rotation); err != nil {
		return nil, err
	}

	init, pending, err := Initiate(sessionID, m.UserID, peerID, m.Priv, rotation, m.Clock)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if old, ok := m.pending[sessionID]; ok {
		old.Abandon()
	}
	m.pending[sessionID] = pending
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"session_id": sessionID,
		"peer_id":    peerID,
		"rotation":   rotation,
	}).Info("Handshake initiated")
	return init, nil
}

// HandleInit processes an inbound round-1 message. It returns the round-2
// response, or (nil, nil) when a simultaneous-initiation tie was resolved in
// our favor and the peer is expected to adopt our handshake instead.
func (m *Manager) HandleInit(ctx context.Context, init *Init) (*Response, error) {
	if init.Responder != m.UserID {
		return nil, errkind.Newf(errkind.BadInput, "handshake addressed to %s, not us", init.Responder)
	}

	// Simultaneous initiation: lexicographic tie-break on
	// sessionId||initiatorId; the smaller one wins.
	m.mu.Lock()
	if local, ok := m.pending[init.SessionID]; ok {
		if InitWins(init.SessionID, local.Initiator, init.Initiator) {
			m.mu.Unlock()
			logrus.WithField("session_id", init.SessionID).Info("Simultaneous handshake: local initiation wins, ignoring peer init")
			return nil, nil
		}
		local.Abandon()
		delete(m.pending, init.SessionID)
		logrus.WithField("session_id", init.SessionID).Info("Simultaneous handshake: adopting peer initiation")
	}
	m.mu.Unlock()

	rec, err := m.Directory.Fetch(ctx, init.Initiator)
	if err != nil {
		return nil, err
	}
	initiatorPub, err := crypto.ECDSAPublicFromJWK(rec.Key)
	if err != nil {
		return nil, err
	}

	resp, keys, err := Respond(init, m.Priv, initiatorPub, m.Clock)
	if err != nil {
		if errkind.Is(err, errkind.MITMDetected) {
			m.Store.ReportInvalidSignature(init.SessionID, errkind.Message(err))
		}
		return nil, err
	}

	if err := m.ensureSession(ctx, init.SessionID, init.Initiator, init.Rotation); err != nil {
		return nil, err
	}
	_, err = m.Store.Mutate(ctx, m.UserID, init.SessionID, func(sess *session.Session) error {
		sess.ApplyHandshake(keys, m.Clock.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"session_id": init.SessionID,
		"peer_id":    init.Initiator,
		"rotation":   init.Rotation,
	}).Info("Handshake responded, session active")
	return resp, nil
}

// HandleResponse processes an inbound round-2 message, completing a pending
// initiation and installing the new key generation.
func (m *Manager) HandleResponse(ctx context.Context, resp *Response) error {
	m.mu.Lock()
	pending, ok := m.pending[resp.SessionID]
	if ok {
		delete(m.pending, resp.SessionID)
	}
	m.mu.Unlock()
	if !ok {
		return errkind.Newf(errkind.MITMDetected, "unexpected handshake response for session %s", resp.SessionID)
	}

	rec, err := m.Directory.Fetch(ctx, pending.Responder)
	if err != nil {
		pending.Abandon()
		return err
	}
	responderPub, err := crypto.ECDSAPublicFromJWK(rec.Key)
	if err != nil {
		pending.Abandon()
		return err
	}

	keys, err := pending.Finalize(resp, responderPub, m.Clock)
	if err != nil {
		if errkind.Is(err, errkind.MITMDetected) {
			m.Store.ReportInvalidSignature(resp.SessionID, errkind.Message(err))
		}
		return err
	}

	_, err = m.Store.Mutate(ctx, m.UserID, resp.SessionID, func(sess *session.Session) error {
		sess.ApplyHandshake(keys, m.Clock.Now())
		return nil
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"session_id": resp.SessionID,
		"peer_id":    pending.Responder,
		"rotation":   resp.Rotation,
	}).Info("Handshake finalized, session active")
	return nil
}

// ensureSession creates the local record if needed and moves it into the
// in-flight handshake state.
func (m *Manager) ensureSession(ctx context.Context, sessionID, peerID string, rotation bool) error {
	target := session.StateHandshaking
	if rotation {
		target = session.StateRotating
	}

	_, err := m.Store.Mutate(ctx, m.UserID, sessionID, func(sess *session.Session) error {
		if sess.State == target {
			return nil
		}
		return sess.Transition(target)
	})
	if err == nil {
		return nil
	}
	if !errkind.Is(err, errkind.SessionNotFound) {
		return err
	}
	if rotation {
		return errkind.Newf(errkind.SessionNotFound, "cannot rotate unknown session %s", sessionID)
	}

	sess := session.New(sessionID, m.UserID, peerID, m.Clock.Now())
	if err := sess.Transition(session.StateHandshaking); err != nil {
		return err
	}
	return m.Store.Create(sess)
}

// SweepExpired abandons pending handshakes past their round deadline.
func (m *Manager) SweepExpired() {
	now := m.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.pending {
		if now.After(p.Deadline) {
			p.Abandon()
			delete(m.pending, id)
			logrus.WithField("session_id", id).Warn("Handshake timed out")
		}
	}
}
