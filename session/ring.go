package session

// NonceRingSize bounds the used-nonce ring per session. It complements, not
// replaces, the relay's (sessionId, nonceHash) uniqueness index.
const NonceRingSize = 200

// NonceRing is a FIFO of the last accepted inbound nonce hashes (hex).
// Oldest entries are evicted once the ring is full.
type NonceRing struct {
	Hashes []string `json:"hashes"`
}

// Seen reports whether hash is in the ring.
func (r *NonceRing) Seen(hash string) bool {
	for _, h := range r.Hashes {
		if h == hash {
			return true
		}
	}
	return false
}

// Record appends hash, evicting the oldest entry beyond NonceRingSize.
func (r *NonceRing) Record(hash string) {
	r.Hashes = append(r.Hashes, hash)
	if len(r.Hashes) > NonceRingSize {
		r.Hashes = r.Hashes[len(r.Hashes)-NonceRingSize:]
	}
}

// Len returns the current ring occupancy.
func (r *NonceRing) Len() int { return len(r.Hashes) }

// Reset empties the ring; called when a handshake or rotation resets
// counters.
func (r *NonceRing) Reset() { r.Hashes = nil }
