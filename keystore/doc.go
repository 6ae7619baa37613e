// Package keystore manages device key material for the messaging core.
//
// Store is the published-key registry: each device publishes its public key,
// may rotate it, and may revoke it; at most one non-revoked, non-expired key
// is active per device at any time, and revocation is monotonic. FileVault
// keeps the device's own private key encrypted at rest; private key material
// never leaves the owning device.
package keystore
