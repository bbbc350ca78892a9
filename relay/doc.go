// Package relay is the server-side metadata gate: it forwards envelopes
// between peers over WebSocket, persists message metadata (never plaintext),
// stores identity public keys with tamper hashes and version history, assigns
// stable session ids per peer pair, and buffers encrypted file chunks.
//
// The relay never holds key material or plaintext. Everything it sees is
// either public (identity JWKs) or opaque ciphertext.
package relay
