// Package identity manages long-term P-256 signing identities: generation,
// password-wrapped storage of the private half (the vault), publication of
// the public half to the key directory, and rotation.
//
// The private key never leaves the device unwrapped. At rest it is stored as
// {wrappedKey, salt, iv} where the wrapping key is PBKDF2(password, salt)
// and the wrap is AES-256-GCM. A wrong password surfaces as
// errkind.BadPassword.
package identity
