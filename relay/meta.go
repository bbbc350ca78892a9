package relay

import (
	"sync"

	"github.com/google/uuid"

	"github.com/securechat/core/errkind"
	"github.com/securechat/core/transport"
)

// MessageMeta is what the relay persists about an envelope: routing and
// replay-control fields only, never ciphertext and never plaintext.
type MessageMeta struct {
	MessageID string         `json:"messageId"`
	SessionID string         `json:"sessionId"`
	Sender    string         `json:"sender"`
	Receiver  string         `json:"receiver"`
	Type      transport.Type `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	NonceHash string         `json:"nonceHash"`
	Delivered bool           `json:"delivered"`
}

// MetaStore enforces the relay's two insert invariants: (sessionId,
// nonceHash) is unique, and seq is strictly increasing per (sessionId,
// sender). Violating inserts are rejected with ReplayDetected and nothing is
// stored.
type MetaStore struct {
	mu      sync.Mutex
	byID    map[string]*MessageMeta
	byNonce map[string]string // sessionId+"/"+nonceHash -> messageId
	lastSeq map[string]uint64 // sessionId+"/"+sender -> last accepted seq
}

// NewMetaStore creates an empty store.
func NewMetaStore() *MetaStore {
	return &MetaStore{
		byID:    make(map[string]*MessageMeta),
		byNonce: make(map[string]string),
		lastSeq: make(map[string]uint64),
	}
}

// Record validates and stores metadata for a message or file envelope,
// assigning the messageId.
func (s *MetaStore) Record(env *transport.Envelope) (*MessageMeta, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	nonceHash := env.NonceHash()
	nonceKey := env.SessionID + "/" + nonceHash
	seqKey := env.SessionID + "/" + env.Sender

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byNonce[nonceKey]; dup {
		return nil, errkind.New(errkind.ReplayDetected, "duplicate nonce for session")
	}
	if last := s.lastSeq[seqKey]; env.Seq <= last {
		return nil, errkind.Newf(errkind.ReplayDetected, "seq %d not above last accepted %d", env.Seq, last)
	}

	meta := &MessageMeta{
		MessageID: uuid.NewString(),
		SessionID: env.SessionID,
		Sender:    env.Sender,
		Receiver:  env.Receiver,
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Seq:       env.Seq,
		NonceHash: nonceHash,
	}
	s.byID[meta.MessageID] = meta
	s.byNonce[nonceKey] = meta.MessageID
	s.lastSeq[seqKey] = env.Seq
	return meta, nil
}

// MarkDelivered flips the delivered flag once the hub has handed the
// envelope to a connected receiver.
func (s *MetaStore) MarkDelivered(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta, ok := s.byID[messageID]; ok {
		meta.Delivered = true
	}
}

// Get returns a stored record by messageId.
func (s *MetaStore) Get(messageID string) (*MessageMeta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.byID[messageID]
	if !ok {
		return nil, false
	}
	out := *meta
	return &out, true
}

// ListSession returns the stored metadata for one session, unordered.
func (s *MetaStore) ListSession(sessionID string) []*MessageMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MessageMeta
	for _, meta := range s.byID {
		if meta.SessionID == sessionID {
			m := *meta
			out = append(out, &m)
		}
	}
	return out
}
