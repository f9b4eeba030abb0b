// Package edissem disseminates block payloads as erasure-coded shreds.
//
// A proposer shreds its payload with [ShredPayload] and broadcasts the
// shreds; every other validator feeds whatever shreds reach it, in any
// order, into a [ShredProcessor], which reconstructs the payload as soon
// as any sufficient subset has arrived and hands it to a [PayloadSink].
//
// Shreds are content-addressed: the payload's digest doubles as its
// group identifier and as the DataID in the proposal that references it,
// so reassembled payloads verify themselves.
package edissem
