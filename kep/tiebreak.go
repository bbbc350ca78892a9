package kep

// InitWins resolves simultaneous handshake initiation on the same session:
// the handshake whose sessionId||initiatorId is lexicographically smaller
// wins, and the other party adopts it.
func InitWins(sessionID, localInitiator, remoteInitiator string) bool {
	return sessionID+localInitiator < sessionID+remoteInitiator
}
