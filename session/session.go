package session

import (
	"time"

	"github.com/securechat/core/errkind"
)

// State is the per-session protocol state.
type State uint8

const (
	// StateNew means no handshake has run yet.
	StateNew State = iota
	// StateHandshaking means a KEP round trip is in flight.
	StateHandshaking
	// StateActive means keys are established and transport may run.
	StateActive
	// StateRotating means a KEY_UPDATE handshake is in flight; the current
	// keys stay usable until it completes.
	StateRotating
	// StateClosed means the session was deleted or a MITM was detected;
	// envelopes are dropped.
	StateClosed
)

// String returns the log name of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateRotating:
		return "rotating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// validTransitions encodes the session state machine.
var validTransitions = map[State][]State{
	StateNew:         {StateHandshaking, StateClosed},
	StateHandshaking: {StateActive, StateClosed, StateNew},
	StateActive:      {StateRotating, StateClosed, StateHandshaking},
	StateRotating:    {StateActive, StateClosed},
	StateClosed:      {},
}

// Keys is one generation of session key material.
type Keys struct {
	RootKey []byte `json:"rootKey"`
	SendKey []byte `json:"sendKey"`
	RecvKey []byte `json:"recvKey"`
}

// Session is the durable per-peer state. It is serialized as JSON and
// sealed at rest by the Store.
type Session struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	PeerID    string `json:"peerId"`

	State State `json:"state"`
	// Stale is set when the local identity rotates; the session must
	// renegotiate through KEP before the next message.
	Stale bool `json:"stale"`

	Keys Keys `json:"keys"`
	// Prev is the one-step key tolerance window: envelopes in flight across
	// a rotation are retried once against it, then dropped.
	Prev        *Keys  `json:"prev,omitempty"`
	PrevLastSeq uint64 `json:"prevLastSeq,omitempty"`

	// LastSeq is the largest accepted inbound sequence number.
	LastSeq uint64 `json:"lastSeq"`
	// NextSeq is the next outbound sequence number, starting at 1.
	NextSeq uint64 `json:"nextSeq"`

	UsedNonces NonceRing `json:"usedNonces"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a session in StateNew with counters at their initial values.
func New(sessionID, userID, peerID string, now time.Time) *Session {
	return &Session{
		SessionID: sessionID,
		UserID:    userID,
		PeerID:    peerID,
		State:     StateNew,
		NextSeq:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsSelf reports whether this is a self-storage session (user == peer).
func (s *Session) IsSelf() bool { return s.UserID == s.PeerID }

// Transition moves the session to next, rejecting moves the state machine
// does not allow.
func (s *Session) Transition(next State) error {
	for _, allowed := range validTransitions[s.State] {
		if allowed == next {
			s.State = next
			return nil
		}
	}
	return errkind.Newf(errkind.BadInput, "invalid state transition %s -> %s", s.State, next)
}

// ApplyHandshake installs a fresh key generation and resets all counters and
// the nonce ring. Used for both the initial KEP and rotation; on rotation
// the outgoing generation is retained as the tolerance window.
func (s *Session) ApplyHandshake(keys Keys, now time.Time) {
	if s.State == StateRotating && len(s.Keys.RootKey) > 0 {
		prev := s.Keys
		s.Prev = &prev
		s.PrevLastSeq = s.LastSeq
	} else {
		s.Prev = nil
		s.PrevLastSeq = 0
	}
	s.Keys = keys
	s.LastSeq = 0
	s.NextSeq = 1
	s.UsedNonces.Reset()
	s.Stale = false
	s.State = StateActive
	s.UpdatedAt = now
}

// DropPrev discards the tolerance-window generation after its one retry.
func (s *Session) DropPrev() {
	s.Prev = nil
	s.PrevLastSeq = 0
}
