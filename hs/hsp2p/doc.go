// Package hsp2p defines the interfaces connecting the consensus engine
// to a peer-to-peer network implementation.
//
// The concrete libp2p-backed implementation lives in
// [github.com/PythonRysh/espresso/hs/hsp2p/hslibp2p];
// in-process implementations for tests live in
// [github.com/PythonRysh/espresso/hs/hsp2p/hsp2ptest].
package hsp2p
