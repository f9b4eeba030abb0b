// Package hsjson contains a codec satisfying the [hscodec] interfaces
// by serializing to and deserializing from JSON.
//
// The output is easy to read and easy to debug,
// which makes this codec the right choice for operator-facing endpoints.
// The wire and storage paths should prefer the hsmsgpack codec.
package hsjson
