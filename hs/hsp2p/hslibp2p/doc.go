// Package hslibp2p implements [hsp2p.Connection] over libp2p:
// consensus messages travel msgpack-encoded on a single gossipsub topic,
// and peers beyond the seed set are found through an optional kad-dht.
//
// Incoming messages are evaluated inside a gossipsub topic validator,
// so a consensus handler's verdict controls both local application
// and further propagation, and provably invalid messages
// count against the sending peer's score.
package hslibp2p
