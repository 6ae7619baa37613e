// Package convkey manages the per-conversation symmetric secrets.
//
// Each conversation holds a versioned shared secret. Version 1 is derived by
// Curve25519 key agreement between the two participants; rotation produces
// fresh random secrets under increasing version numbers. Every version is
// persisted as two sealed copies, one encrypted to each participant's public
// key, so either side can recover any version it needs. Old versions are
// never deleted, keeping historical messages decryptable after rotation.
package convkey
