// Package proofs implements the cryptographic primitives behind a commitment:
// versioned content hashing over canonical payload bytes and optional
// signatures over the resulting hash. The algorithm identifier always travels
// with the digest so older records stay verifiable after a migration.
package proofs
