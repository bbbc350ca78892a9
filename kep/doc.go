// Package kep implements the two-round authenticated key exchange that
// establishes and rotates session keys.
//
// Round 1: the initiator signs its fresh P-256 ephemeral public key together
// with the session and both user IDs. Round 2: the responder verifies the
// signature against the initiator's published identity key, replies with its
// own signed ephemeral, and both sides derive
//
//	rootKey = HKDF(ECDH(eA, eB), salt = ts1||ts2, info = "SecureChat/root/v1")
//
// plus two directional keys labeled with the user IDs, so that one peer's
// send key is byte-for-byte the other's receive key. Ephemeral private keys
// are wiped as soon as the shared secret is derived.
//
// Any signature failure, timestamp outside the freshness window, or
// unexpected state aborts the handshake with errkind.MITMDetected and
// persists no partial session state.
package kep
