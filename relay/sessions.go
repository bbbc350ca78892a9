package relay

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/securechat/core/crypto"
	"github.com/securechat/core/errkind"
)

// sessionNamespace seeds deterministic session ids: the same unordered peer
// pair always maps to the same sessionId, so repeat establishment is
// idempotent even across relay restarts.
var sessionNamespace = uuid.MustParse("7d1f9f3a-44a4-4f2c-9a75-2b41a1c5d6e8")

// SessionRecord is the relay's metadata-only view of a session.
type SessionRecord struct {
	SessionID string    `json:"sessionId"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionRegistry assigns stable session ids per unordered peer pair.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	clock    crypto.TimeProvider
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(tp crypto.TimeProvider) *SessionRegistry {
	if tp == nil {
		tp = crypto.DefaultTimeProvider{}
	}
	return &SessionRegistry{
		sessions: make(map[string]*SessionRecord),
		clock:    tp,
	}
}

// SessionIDFor returns the deterministic id for an unordered peer pair.
func SessionIDFor(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return uuid.NewSHA1(sessionNamespace, []byte(pair[0]+"\x00"+pair[1])).String()
}

// Establish returns the session for the pair, creating it on first call.
// isNew reports whether this call created it.
func (r *SessionRegistry) Establish(userA, userB string) (*SessionRecord, bool, error) {
	if userA == "" || userB == "" {
		return nil, false, errkind.New(errkind.BadInput, "both user ids are required")
	}
	id := SessionIDFor(userA, userB)

	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.sessions[id]; ok {
		out := *rec
		return &out, false, nil
	}
	pair := []string{userA, userB}
	sort.Strings(pair)
	rec := &SessionRecord{
		SessionID: id,
		UserA:     pair[0],
		UserB:     pair[1],
		CreatedAt: r.clock.Now(),
	}
	r.sessions[id] = rec
	out := *rec
	return &out, true, nil
}

// Get returns session metadata by id.
func (r *SessionRegistry) Get(sessionID string) (*SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return nil, errkind.Newf(errkind.SessionNotFound, "no session %s", sessionID)
	}
	out := *rec
	return &out, nil
}

// ListFor returns all sessions a user participates in.
func (r *SessionRegistry) ListFor(userID string) []*SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SessionRecord
	for _, rec := range r.sessions {
		if rec.UserA == userID || rec.UserB == userID {
			c := *rec
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Participant reports whether userID belongs to the session.
func (r *SessionRegistry) Participant(sessionID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return rec.UserA == userID || rec.UserB == userID
}
