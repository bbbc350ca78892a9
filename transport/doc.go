// Package transport builds, sends and receives protocol envelopes.
//
// Outbound: the messenger loads the session, allocates the next sequence
// number, seals the payload under the session send key with a fresh IV and
// replay nonce, and hands the envelope to the relay. Inbound: envelopes pass
// structural validation, the freshness window, strict sequence ordering and
// the used-nonce ring before decryption; acceptance updates the session
// atomically. Files travel as one FILE_META envelope followed by
// independently encrypted 64 KiB FILE_CHUNK envelopes, reassembled by chunk
// index on the receiving side.
package transport
