// Package sessions defines the per-peer session contract used by the
// protocol: a Store that mints, loads, expires and destroys sessions, and a
// Session handle exposing a string-keyed bag of JSON-compatible values.
//
// Session handles buffer mutations until Save, which writes only the keys
// that changed and refreshes the session's sliding TTL. Two handles for the
// same session (for example two concurrent batches) therefore do not clobber
// each other's unrelated keys.
//
// Implementations live in the memorystore and redisstore subpackages;
// storetest holds the conformance suite both run. SignedStore wraps any
// Store so that session ids handed to peers are Ed25519-signed tokens.
package sessions
