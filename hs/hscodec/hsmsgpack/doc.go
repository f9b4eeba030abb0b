// Package hsmsgpack contains a codec satisfying the [hscodec] interfaces
// by serializing to and deserializing from MessagePack.
//
// This is the codec intended for the peer-to-peer wire
// and for storage layers;
// MessagePack carries binary hashes and binary-keyed maps without escaping,
// so most domain types encode directly.
package hsmsgpack
