// Package crypto provides the cryptographic primitives for the SecureChat
// protocol: AES-256-GCM authenticated encryption, P-256 ECDH key agreement,
// P-256 ECDSA signatures, HKDF-SHA256 and PBKDF2-SHA256 key derivation, and
// a JWK codec for key interchange.
//
// All parameters are fixed by the protocol: 96-bit GCM IVs, 128-bit tags,
// 32-byte derived keys, raw 64-byte (r||s) ECDSA signatures. Any primitive
// failure is classified as errkind.CryptoError and never returns partial
// output.
package crypto
