// Package emerkle implements a versioned, authenticated key-value tree
// in the Jellyfish style: a 16-ary radix tree over the nibbles of
// 32-byte key hashes, where every batch of writes produces a new
// immutable version with its own root digest.
//
// Historical versions remain readable, and servable with inclusion or
// exclusion proofs, until explicitly pruned.
// Writes must be serialized by the caller, one version at a time;
// reads against already-committed versions are safe concurrently.
package emerkle
