// Package session holds per-peer session state and its encrypted store.
//
// A session binds two users to a root key and two directional keys, with
// strict sequence counters and a bounded ring of used inbound nonces. All
// records at rest are sealed with a per-user key derived from the user's
// password; the derived key is cached in memory for at most one hour and
// purged on logout, after which loads fail with errkind.SessionLocked.
//
// Mutations that touch keys and counters together are applied through
// Store.Mutate, which persists the whole record atomically (tmp+rename)
// before swapping the in-memory view, so a crash leaves either the pre- or
// the post-state.
package session
